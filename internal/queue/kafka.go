package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-escrow/internal/logging"
)

const (
	jobIDHeader     = "job-id"
	enqueueTimeout  = 2 * time.Second
	maxFetchBackoff = 30 * time.Second
)

// KafkaQueue stores jobs on a topic. Each worker owns a reader in the same
// consumer group and commits an offset only once its job is terminal, so a
// crash mid-job leads to redelivery.
type KafkaQueue struct {
	brokers []string
	topic   string
	group   string
	writer  *kafka.Writer
	policy  RetryPolicy
	logger  *slog.Logger
}

func NewKafkaQueue(brokers []string, topic, group string, policy RetryPolicy, logger *slog.Logger) *KafkaQueue {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaQueue{
		brokers: brokers,
		topic:   topic,
		group:   group,
		writer:  w,
		policy:  policy,
		logger:  logging.OrDefault(logger),
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	id := ulid.Make().String()
	msg := kafka.Message{
		Key:     []byte(id),
		Value:   payload,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: jobIDHeader, Value: []byte(id)}},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

func jobFromMessage(m kafka.Message) Job {
	job := Job{Payload: m.Value, EnqueuedAt: m.Time}
	for _, h := range m.Headers {
		if h.Key == jobIDHeader {
			job.ID = string(h.Value)
		}
	}
	if job.ID == "" {
		job.ID = string(m.Key)
	}
	return job
}

// Start runs workers readers until ctx is done and returns once all of them
// have stopped.
func (q *KafkaQueue) Start(ctx context.Context, workers int, h Handler) {
	if workers <= 0 {
		workers = 1
	}
	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			q.work(ctx, worker, h)
		}(i)
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

func (q *KafkaQueue) work(ctx context.Context, worker int, h Handler) {
	logger := q.logger.With("worker", worker)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		Topic:    q.topic,
		GroupID:  q.group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	backoff := time.Second
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("kafka fetch failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxFetchBackoff {
				backoff = maxFetchBackoff
			}
			continue
		}
		backoff = time.Second

		job := jobFromMessage(m)
		if err := Run(ctx, job, h, q.policy, logger); err != nil && ctx.Err() != nil {
			// shutting down mid-job; leave it uncommitted for redelivery
			return
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			logger.Error("kafka commit failed", "job_id", job.ID, "err", err)
		}
	}
}

func (q *KafkaQueue) Close() error { return q.writer.Close() }
