package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NotifiedSet records which drivers were told about a ride. Claim marks the
// driver and reports whether this caller was first; Release undoes a claim
// whose send failed so a retry can pick the driver up again.
type NotifiedSet interface {
	Claim(ctx context.Context, rideID, driverID string) (bool, error)
	Release(ctx context.Context, rideID, driverID string) error
}

type RedisNotifiedSet struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisNotifiedSet(client redis.Cmdable, ttl time.Duration) *RedisNotifiedSet {
	return &RedisNotifiedSet{client: client, ttl: ttl}
}

func notifiedKey(rideID string) string { return "ride:notified:" + rideID }

func (s *RedisNotifiedSet) Claim(ctx context.Context, rideID, driverID string) (bool, error) {
	key := notifiedKey(rideID)
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, key, driverID)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

func (s *RedisNotifiedSet) Release(ctx context.Context, rideID, driverID string) error {
	return s.client.SRem(ctx, notifiedKey(rideID), driverID).Err()
}

// MemoryNotifiedSet expires a ride's whole set ttl after its last claim.
// Expired sets are dropped at most once per ttl, on the next claim.
type MemoryNotifiedSet struct {
	mu        sync.Mutex
	ttl       time.Duration
	sets      map[string]*notifiedEntry
	now       func() time.Time
	nextPrune time.Time
}

type notifiedEntry struct {
	drivers   map[string]struct{}
	expiresAt time.Time
}

func NewMemoryNotifiedSet(ttl time.Duration) *MemoryNotifiedSet {
	return &MemoryNotifiedSet{ttl: ttl, sets: make(map[string]*notifiedEntry), now: time.Now}
}

func (s *MemoryNotifiedSet) Claim(ctx context.Context, rideID, driverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !now.Before(s.nextPrune) {
		s.prune(now)
	}
	e, ok := s.sets[rideID]
	if !ok || now.After(e.expiresAt) {
		e = &notifiedEntry{drivers: make(map[string]struct{})}
		s.sets[rideID] = e
	}
	e.expiresAt = now.Add(s.ttl)
	if _, seen := e.drivers[driverID]; seen {
		return false, nil
	}
	e.drivers[driverID] = struct{}{}
	return true, nil
}

func (s *MemoryNotifiedSet) Release(ctx context.Context, rideID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sets[rideID]; ok {
		delete(e.drivers, driverID)
		if len(e.drivers) == 0 {
			delete(s.sets, rideID)
		}
	}
	return nil
}

func (s *MemoryNotifiedSet) prune(now time.Time) {
	for id, e := range s.sets {
		if now.After(e.expiresAt) {
			delete(s.sets, id)
		}
	}
	s.nextPrune = now.Add(s.ttl)
}

func (s *MemoryNotifiedSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}
