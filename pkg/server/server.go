// Package server runs the optional metrics HTTP endpoint with
// graceful, signal-driven shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const stopWaitTime = 5 * time.Second

type Config struct {
	Host string `env:"HOST" envDefault:"localhost"`
	Port string `env:"PORT" envDefault:"8855"`
}

type Server struct {
	ctx     context.Context
	cancel  context.CancelFunc
	name    string
	address string
	server  *http.Server
	logger  *slog.Logger
}

func New(ctx context.Context, cancel context.CancelFunc, name string, cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	address := net.JoinHostPort(cfg.Host, cfg.Port)

	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		name:    name,
		address: address,
		server:  &http.Server{Addr: address, Handler: handler},
		logger:  logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info(fmt.Sprintf("%s service started using http on %s", s.name, s.address))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-s.ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopWaitTime)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down %s server: %w", s.name, err)
	}
	s.logger.Info(fmt.Sprintf("%s service shutdown of http at %s", s.name, s.address))

	return nil
}

// StopSignalHandler blocks until an interrupt arrives or the context
// ends, then cancels the run group.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, svcName string) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-c:
		defer cancel()
		logger.Info(fmt.Sprintf("%s service shutdown by signal: %s", svcName, sig))

		return nil
	case <-ctx.Done():
		return nil
	}
}
