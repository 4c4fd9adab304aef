package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilnml/kiln/trainer"
)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    trainer.Service
}

func Logging(logger *slog.Logger, svc trainer.Service) trainer.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) Run(ctx context.Context, cfg trainer.RunConfig) (resp trainer.RunSummary, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("run",
				slog.String("experiment", cfg.Experiment),
				slog.String("model", cfg.ModelName),
				slog.Int("epochs", cfg.Epochs),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Training run failed", args...)

			return
		}
		args = append(args,
			slog.String("run_id", resp.RunID),
			slog.String("model_version", resp.ModelVersion),
			slog.Float64("train_loss", resp.TrainLoss),
			slog.Float64("test_loss", resp.TestLoss),
		)
		lm.logger.Info("Training run completed successfully", args...)
	}(time.Now())

	return lm.svc.Run(ctx, cfg)
}

func (lm *loggingMiddleware) Infer(ctx context.Context, modelURI string, index int) (resp trainer.Prediction, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("model_uri", modelURI),
			slog.Int("index", index),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Inference failed", args...)

			return
		}
		args = append(args,
			slog.Int("label", resp.Label),
			slog.Int("predicted", resp.Predicted),
		)
		lm.logger.Info("Inference completed successfully", args...)
	}(time.Now())

	return lm.svc.Infer(ctx, modelURI, index)
}
