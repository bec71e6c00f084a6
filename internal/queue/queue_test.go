package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	var calls int
	err := Run(context.Background(), Job{ID: "j1"}, func(ctx context.Context, job Job) error {
		calls++
		if job.Attempt != calls {
			t.Fatalf("attempt %d reported as %d", calls, job.Attempt)
		}
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastPolicy(4), nil)
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls, err %v", calls, err)
	}
}

func TestRunStopsOnPermanentError(t *testing.T) {
	var calls int
	boom := errors.New("bad payload")
	err := Run(context.Background(), Job{ID: "j1"}, func(ctx context.Context, job Job) error {
		calls++
		return Permanent(boom)
	}, fastPolicy(4), nil)
	if calls != 1 || !errors.Is(err, boom) || !IsPermanent(err) {
		t.Fatalf("expected one permanent failure, got %d calls, err %v", calls, err)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	err := Run(context.Background(), Job{ID: "j1"}, func(ctx context.Context, job Job) error {
		calls++
		return errors.New("down")
	}, fastPolicy(4), nil)
	if calls != 4 || err == nil {
		t.Fatalf("expected 4 attempts and an error, got %d, %v", calls, err)
	}
}

func TestMemoryQueueProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemoryQueue(16, fastPolicy(2), nil)

	var mu sync.Mutex
	seen := map[string]string{}
	var n atomic.Int32
	q.Start(ctx, 3, func(ctx context.Context, job Job) error {
		mu.Lock()
		seen[job.ID] = string(job.Payload)
		mu.Unlock()
		n.Add(1)
		return nil
	})

	ids := map[string]string{}
	for _, p := range []string{"a", "b", "c"} {
		id, err := q.Enqueue(ctx, []byte(p))
		if err != nil {
			t.Fatal(err)
		}
		ids[id] = p
	}
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, p := range ids {
		if seen[id] != p {
			t.Fatalf("job %s: got %q, want %q", id, seen[id], p)
		}
	}
}

func TestMemoryQueueRejectsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1, fastPolicy(1), nil)
	if _, err := q.Enqueue(context.Background(), []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), []byte("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestJobFromMessagePrefersHeader(t *testing.T) {
	m := kafka.Message{Key: []byte("k"), Value: []byte("v"), Headers: []kafka.Header{{Key: jobIDHeader, Value: []byte("job-7")}}}
	if got := jobFromMessage(m); got.ID != "job-7" || string(got.Payload) != "v" {
		t.Fatalf("unexpected job %+v", got)
	}
	if got := jobFromMessage(kafka.Message{Key: []byte("k")}); got.ID != "k" {
		t.Fatalf("expected key fallback, got %+v", got)
	}
}
