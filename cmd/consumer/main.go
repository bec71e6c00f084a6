package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-escrow/internal/app"
	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/location"
	"github.com/example/ride-escrow/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_escrow",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_escrow",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_escrow",
		Name:      "consumer_apply_errors_total",
		Help:      "Total pings dropped after snapshot retries ran out",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applyErrors)
}

const (
	applyAttempts = 3
	applyDelay    = 200 * time.Millisecond
	maxBackoff    = 30 * time.Second
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (default METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel, "consumer")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required; without a broker the API reconciles in-process")
		os.Exit(1)
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	go serveHealth(metricsAddr, a.Ready, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  a.ReconcileGroup(),
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", a.ReconcileGroup())
	consume(ctx, r, a.Reconciler, logger)
	logger.Info("shutting down consumer")
}

func serveHealth(addr string, ready func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// SnapshotApplier is the subset of the reconciler the consumer drives.
type SnapshotApplier interface {
	Apply(ctx context.Context, p events.LocationPing) (location.Outcome, error)
}

// consume reads until ctx is done. Read errors back off exponentially;
// a ping that keeps failing is dropped since a newer one follows.
func consume(ctx context.Context, r messageReader, rec SnapshotApplier, logger *slog.Logger) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var p events.LocationPing
		if err := events.Decode(m.Value, &p); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}
		if _, err := applyWithRetry(ctx, rec, p, applyAttempts, applyDelay); err != nil {
			if apperr.KindOf(err) == apperr.KindValidation {
				msgsInvalid.Inc()
			} else {
				applyErrors.Inc()
			}
			logger.Error("snapshot update failed", "driver_id", p.DriverID, "err", err)
		}
	}
}

// applyWithRetry retries store failures with doubling delay. Invalid pings
// fail on the first attempt.
func applyWithRetry(ctx context.Context, rec SnapshotApplier, p events.LocationPing, attempts int, delay time.Duration) (location.Outcome, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var out location.Outcome
		out, err = rec.Apply(ctx, p)
		if err == nil {
			return out, nil
		}
		if apperr.KindOf(err) == apperr.KindValidation || i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return "", ctx.Err()
		}
		delay *= 2
	}
	return "", err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
