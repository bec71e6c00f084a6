package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/app"
	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/logging"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// amounts go out as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	a.RunBackground(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.Server().Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-escrow listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	a.Wait()
	if err := a.Close(); err != nil {
		logger.Error("close failed", "err", err)
	}
	logger.Info("shutdown complete")
}
