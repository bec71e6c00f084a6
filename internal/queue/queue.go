// Package queue runs background jobs with at-least-once delivery. A job is
// retried with exponential backoff until it succeeds, fails permanently or
// runs out of attempts; only then is it acknowledged.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/observability"
)

type Job struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
	// Attempt is 1 on the first run.
	Attempt int
}

type Handler func(ctx context.Context, job Job) error

// Queue accepts payloads and returns the id of the job created for them.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Backoff is the wait after the given failed attempt: base, 2*base, 4*base...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Run drives one job to a terminal state and returns its final error.
func Run(ctx context.Context, job Job, h Handler, p RetryPolicy, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		job.Attempt = attempt
		logger.Debug("job progress", "job_id", job.ID, "attempt", attempt, "max_attempts", attempts)
		err = h(ctx, job)
		if err == nil {
			observability.QueueJobs.WithLabelValues("ok").Inc()
			return nil
		}
		if IsPermanent(err) {
			observability.QueueJobs.WithLabelValues("permanent").Inc()
			logger.Error("job failed permanently", "job_id", job.ID, "attempt", attempt, "err", err)
			return err
		}
		if attempt == attempts {
			break
		}
		wait := p.Backoff(attempt)
		observability.QueueJobs.WithLabelValues("retry").Inc()
		logger.Warn("job failed, retrying", "job_id", job.ID, "attempt", attempt, "backoff", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	observability.QueueJobs.WithLabelValues("exhausted").Inc()
	logger.Error("job gave up", "job_id", job.ID, "attempts", attempts, "err", err)
	return err
}
