package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/kilnml/kiln/cli"
	"github.com/kilnml/kiln/mnist"
	"github.com/kilnml/kiln/pkg/prometheus"
	"github.com/kilnml/kiln/pkg/server"
	"github.com/kilnml/kiln/pkg/tracing"
	"github.com/kilnml/kiln/pkg/tracking"
	"github.com/kilnml/kiln/trainer"
	"github.com/kilnml/kiln/trainer/middleware"
)

const (
	svcName = "kiln"
	pathEnv = ".env"
)

type envConfig struct {
	LogLevel        string        `env:"KILN_LOG_LEVEL"        envDefault:"info"`
	InstanceID      string        `env:"KILN_INSTANCE_ID"`
	TrackingURL     string        `env:"KILN_TRACKING_URL"     envDefault:"http://localhost:5000"`
	Timeout         time.Duration `env:"KILN_TIMEOUT"          envDefault:"30s"`
	TLSVerification bool          `env:"KILN_TLS_VERIFICATION" envDefault:"false"`
	DataDir         string        `env:"KILN_DATA_DIR"`
	MetricsHost     string        `env:"KILN_METRICS_HOST"     envDefault:"localhost"`
	MetricsPort     string        `env:"KILN_METRICS_PORT"`
	OTELURL         url.URL       `env:"KILN_OTEL_URL"`
	TraceRatio      float64       `env:"KILN_TRACE_RATIO"      envDefault:"0"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	var tp trace.TracerProvider
	switch {
	case cfg.OTELURL == (url.URL{}):
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := tracing.NewProvider(ctx, svcName, cfg.OTELURL, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := sdktp.Shutdown(ctx); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	dataDir := cfg.DataDir
	if dataDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Error("failed to resolve cache dir", slog.String("error", err.Error()))

			return
		}
		dataDir = filepath.Join(cacheDir, svcName, "mnist")
	}

	sdk := tracking.NewSDK(tracking.Config{
		TrackingURL:     cfg.TrackingURL,
		Timeout:         cfg.Timeout,
		TLSVerification: cfg.TLSVerification,
	})

	svc := trainer.NewService(sdk, mnist.NewProvider(dataDir))
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "trainer")
	svc = middleware.Metrics(counter, latency, svc)

	cli.SetTrackingSDK(sdk)
	cli.SetTrainerService(svc)

	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln CLI",
		Long:  `Kiln trains an MNIST classifier as tracked, registered runs against an MLflow-compatible server.`,
		// Errors are already rendered by the command helpers; the
		// non-zero exit comes from the run group below.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(cli.NewTrainCmd())
	rootCmd.AddCommand(cli.NewInferCmd())
	rootCmd.AddCommand(cli.NewRunsCmd())
	rootCmd.AddCommand(cli.NewExperimentsCmd())
	rootCmd.AddCommand(cli.NewModelsCmd())
	rootCmd.AddCommand(cli.NewConfigureCmd())

	g.Go(func() error {
		defer cancel()

		return rootCmd.ExecuteContext(ctx)
	})

	if cfg.MetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs := server.New(ctx, cancel, svcName, server.Config{Host: cfg.MetricsHost, Port: cfg.MetricsPort}, mux, logger)

		g.Go(func() error {
			return hs.Start()
		})
		g.Go(func() error {
			return server.StopSignalHandler(ctx, cancel, logger, svcName)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s exited with error: %s", svcName, err))
		os.Exit(1)
	}
}
