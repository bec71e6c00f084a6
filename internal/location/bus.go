package location

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/logging"
)

// Publisher broadcasts pings to whoever follows the location topic.
type Publisher interface {
	Publish(ctx context.Context, p events.LocationPing) error
}

type Handler func(ctx context.Context, p events.LocationPing) error

// Subscriber feeds every broadcast ping to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// MemoryBus fans pings out to in-process subscribers. A subscriber that falls
// behind by more than the buffer loses pings.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[chan events.LocationPing]struct{}
	buffer int
	logger *slog.Logger
}

func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBus{
		subs:   make(map[chan events.LocationPing]struct{}),
		buffer: buffer,
		logger: logging.OrDefault(logger),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, p events.LocationPing) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- p:
		default:
			b.logger.Warn("location bus subscriber full, dropping ping", "driver_id", p.DriverID)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan events.LocationPing, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-ch:
			if err := h(ctx, p); err != nil {
				b.logger.Error("location handler failed", "driver_id", p.DriverID, "err", err)
			}
		}
	}
}

// RedisBus uses a Redis pub/sub channel as the location topic.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, logger: logging.OrDefault(logger)}
}

func (b *RedisBus) Publish(ctx context.Context, p events.LocationPing) error {
	payload, err := events.Encode(p)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var p events.LocationPing
			if err := events.Decode([]byte(m.Payload), &p); err != nil {
				b.logger.Warn("invalid location message", "err", err)
				continue
			}
			if err := h(ctx, p); err != nil {
				b.logger.Error("location handler failed", "driver_id", p.DriverID, "err", err)
			}
		}
	}
}
