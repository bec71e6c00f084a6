package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/models"
)

// FastStore holds the latest position per driver. Writes are last-writer-wins
// and entries expire, after which readers fall back to the durable snapshot.
type FastStore interface {
	Put(ctx context.Context, rec models.LocationRecord) error
	Get(ctx context.Context, driverID string) (models.LocationRecord, bool, error)
}

type fastEntry struct {
	rec     models.LocationRecord
	expires time.Time
}

// MemoryFastStore is the in-process fast tier.
type MemoryFastStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]fastEntry
}

func NewMemoryFastStore(ttl time.Duration) *MemoryFastStore {
	return &MemoryFastStore{ttl: ttl, now: time.Now, entries: make(map[string]fastEntry)}
}

func (m *MemoryFastStore) Put(ctx context.Context, rec models.LocationRecord) error {
	rec.Source = models.SourceFast
	m.mu.Lock()
	defer m.mu.Unlock()
	e := fastEntry{rec: rec}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[rec.DriverID] = e
	return nil
}

func (m *MemoryFastStore) Get(ctx context.Context, driverID string) (models.LocationRecord, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[driverID]
	m.mu.RUnlock()
	if !ok {
		return models.LocationRecord{}, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.mu.Lock()
		if cur, still := m.entries[driverID]; still && cur.expires.Equal(e.expires) {
			delete(m.entries, driverID)
		}
		m.mu.Unlock()
		return models.LocationRecord{}, false, nil
	}
	return e.rec, true, nil
}

// RedisFastStore keeps one key per driver with a TTL, plus the drivers_geo
// set so operators can run GEOSEARCH against live positions.
type RedisFastStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisFastStore(client redis.Cmdable, ttl time.Duration) *RedisFastStore {
	return &RedisFastStore{client: client, ttl: ttl}
}

func fastKey(driverID string) string { return "driver:loc:" + driverID }

const geoKey = "drivers_geo"

func (r *RedisFastStore) Put(ctx context.Context, rec models.LocationRecord) error {
	rec.Source = models.SourceFast
	b, err := events.Encode(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, fastKey(rec.DriverID), b, r.ttl)
		p.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: rec.Lng, Latitude: rec.Lat, Name: rec.DriverID})
		return nil
	})
	return err
}

func (r *RedisFastStore) Get(ctx context.Context, driverID string) (models.LocationRecord, bool, error) {
	b, err := r.client.Get(ctx, fastKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.LocationRecord{}, false, nil
	}
	if err != nil {
		return models.LocationRecord{}, false, err
	}
	var rec models.LocationRecord
	if err := events.Decode(b, &rec); err != nil {
		return models.LocationRecord{}, false, err
	}
	return rec, true, nil
}
