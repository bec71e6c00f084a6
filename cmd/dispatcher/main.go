package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-escrow/internal/app"
	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/logging"
)

// The dispatcher drains the ride-posted topic with DISPATCH_WORKERS readers
// in one consumer group. Websocket sessions live in the API process, so
// drivers here are reached through FCM or Telegram only.
func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel, "dispatcher")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required; without a broker the API dispatches in-process")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	logger.Info("dispatcher started", "topic", cfg.KafkaRideTopic, "group", a.DispatchGroup(), "workers", cfg.DispatchWorkers)
	a.KafkaQueue().Start(ctx, cfg.DispatchWorkers, a.Dispatcher.HandleJob)
	logger.Info("dispatcher stopped")
}
