package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/ride-escrow/internal/logging"
)

var ErrQueueFull = errors.New("queue: buffer full")

// MemoryQueue is an in-process queue for single-binary deployments. Jobs
// queued when the process exits are lost.
type MemoryQueue struct {
	jobs   chan Job
	policy RetryPolicy
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewMemoryQueue(buffer int, policy RetryPolicy, logger *slog.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{jobs: make(chan Job, buffer), policy: policy, logger: logging.OrDefault(logger)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	job := Job{ID: ulid.Make().String(), Payload: payload, EnqueuedAt: time.Now().UTC()}
	select {
	case q.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

// Start runs workers goroutines until ctx is done. Wait blocks until they
// have all returned.
func (q *MemoryQueue) Start(ctx context.Context, workers int, h Handler) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					_ = Run(ctx, job, h, q.policy, q.logger.With("worker", worker))
				}
			}
		}(i)
	}
}

func (q *MemoryQueue) Wait() { q.wg.Wait() }
