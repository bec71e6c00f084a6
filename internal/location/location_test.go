package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ~0.0009 degrees of latitude is ~100m
const metersPerDegLat = 111195.0

type recordingBus struct {
	mu    sync.Mutex
	pings []events.LocationPing
	err   error
}

func (b *recordingBus) Publish(ctx context.Context, p events.LocationPing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings = append(b.pings, p)
	return b.err
}

func TestUpdateLocationOverwritesFastTierEveryPing(t *testing.T) {
	ctx := context.Background()
	fast := NewMemoryFastStore(time.Minute)
	bus := &recordingBus{}
	svc := NewService(fast, bus, nil)

	for i := 0; i < 3; i++ {
		lat := 12.0 + float64(i)*0.00001 // ~1m apart
		if _, err := svc.UpdateLocation(ctx, events.NewPing("d1", lat, 77, t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
		rec, ok, _ := fast.Get(ctx, "d1")
		if !ok || rec.Lat != lat || rec.Source != models.SourceFast {
			t.Fatalf("fast tier not current after ping %d: %+v", i, rec)
		}
	}
	if len(bus.pings) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(bus.pings))
	}
}

func TestUpdateLocationRejectsMissingCoordinates(t *testing.T) {
	svc := NewService(NewMemoryFastStore(time.Minute), &recordingBus{}, nil)
	lat := 12.0
	_, err := svc.UpdateLocation(context.Background(), events.LocationPing{DriverID: "d1", Lat: &lat})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	zero := 0.0
	if _, err := svc.UpdateLocation(context.Background(), events.LocationPing{DriverID: "d1", Lat: &zero, Lng: &zero}); err != nil {
		t.Fatalf("0,0 is a valid coordinate: %v", err)
	}
}

func TestUpdateLocationSurvivesBroadcastFailure(t *testing.T) {
	fast := NewMemoryFastStore(time.Minute)
	svc := NewService(fast, &recordingBus{err: errors.New("broker down")}, nil)
	if _, err := svc.UpdateLocation(context.Background(), events.NewPing("d1", 1, 2, t0)); err != nil {
		t.Fatalf("broadcast failure must not fail the ping: %v", err)
	}
	if _, ok, _ := fast.Get(context.Background(), "d1"); !ok {
		t.Fatal("fast tier should still be written")
	}
}

func TestFastStoreExpires(t *testing.T) {
	now := t0
	fast := NewMemoryFastStore(time.Minute)
	fast.now = func() time.Time { return now }
	_ = fast.Put(context.Background(), models.LocationRecord{DriverID: "d1", Lat: 1, Lng: 1})
	now = now.Add(2 * time.Minute)
	if _, ok, _ := fast.Get(context.Background(), "d1"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestReconcilerThrottlesByDistance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := NewReconciler(store.Locations(), 100, nil)

	cases := []struct {
		name   string
		dLatM  float64
		want   Outcome
		wantAt float64
	}{
		{"first ping always written", 0, OutcomeFirst, 0},
		{"50m is below threshold", 50, OutcomeSkipped, 0},
		{"150m from snapshot is written", 150, OutcomeMoved, 150},
		{"another 99m is skipped", 249, OutcomeSkipped, 150},
	}
	for i, tc := range cases {
		lat := 10 + tc.dLatM/metersPerDegLat
		got, err := r.Apply(ctx, events.NewPing("d1", lat, 77, t0.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
		snap, err := store.Locations().Snapshot(ctx, "d1")
		if err != nil {
			t.Fatal(err)
		}
		wantLat := 10 + tc.wantAt/metersPerDegLat
		if snap.Lat != wantLat {
			t.Fatalf("%s: snapshot lat %f, want %f", tc.name, snap.Lat, wantLat)
		}
		if len(snap.Geohash) != 7 {
			t.Fatalf("%s: expected precision-7 geohash, got %q", tc.name, snap.Geohash)
		}
	}
}

func TestReconcilerIgnoresOutOfOrderPings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := NewReconciler(store.Locations(), 100, nil)
	_, _ = r.Apply(ctx, events.NewPing("d1", 10, 77, t0))
	got, err := r.Apply(ctx, events.NewPing("d1", 11, 77, t0.Add(-time.Minute)))
	if err != nil || got != OutcomeStale {
		t.Fatalf("expected stale, got %s %v", got, err)
	}
}

func TestResolverFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fast := NewMemoryFastStore(time.Minute)
	res := NewResolver(fast, store.Locations(), nil)

	if _, err := res.Current(ctx, "d1"); !errors.Is(err, apperr.ErrLocationUnavailable) {
		t.Fatalf("expected LocationUnavailable, got %v", err)
	}
	_ = store.Locations().SaveSnapshot(ctx, models.LocationRecord{DriverID: "d1", Lat: 1, Lng: 1, UpdatedAt: t0})
	rec, err := res.Current(ctx, "d1")
	if err != nil || rec.Source != models.SourceDurable {
		t.Fatalf("expected durable record, got %+v %v", rec, err)
	}
	_ = fast.Put(ctx, models.LocationRecord{DriverID: "d1", Lat: 2, Lng: 2})
	rec, _ = res.Current(ctx, "d1")
	if rec.Source != models.SourceFast || rec.Lat != 2 {
		t.Fatalf("expected fast record, got %+v", rec)
	}
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus(8, nil)
	got := make(chan events.LocationPing, 1)
	subscribed := make(chan struct{})
	go func() {
		_ = bus.Subscribe(ctx, func(ctx context.Context, p events.LocationPing) error {
			got <- p
			return nil
		})
	}()
	go func() {
		for {
			bus.mu.RLock()
			n := len(bus.subs)
			bus.mu.RUnlock()
			if n > 0 {
				close(subscribed)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	select {
	case <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("subscriber never registered")
	}
	_ = bus.Publish(ctx, events.NewPing("d1", 1, 2, t0))
	select {
	case p := <-got:
		if p.DriverID != "d1" {
			t.Fatalf("unexpected ping %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("ping not delivered")
	}
}
