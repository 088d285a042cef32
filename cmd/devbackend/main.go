// Command devbackend runs the local bidding backend used for development and smoke tests.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bidwatch/cmd/internal/app"
	"bidwatch/cmd/internal/devbackend"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := devbackend.LoadConfigFromEnv()
	logger := app.NewLogger(app.EnvString("BIDWATCH_LOG_LEVEL", "info"), app.EnvString("BIDWATCH_LOG_FORMAT", "json"))

	s, err := devbackend.New(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.WithRequestLogging(s.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devbackend.start", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("devbackend.stop", "reason", "context_done")
	case err := <-errCh:
		logger.Error("devbackend.fail", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("devbackend.stopped")
	return nil
}
