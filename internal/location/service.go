// Package location keeps driver positions in two tiers: a fast keyed store
// updated on every ping and a throttled durable snapshot maintained by the
// Reconciler from the broadcast topic.
package location

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
)

type Service struct {
	fast   FastStore
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewService(fast FastStore, bus Publisher, logger *slog.Logger) *Service {
	return &Service{fast: fast, bus: bus, logger: logging.OrDefault(logger), now: time.Now}
}

// Validate rejects pings without a usable coordinate pair.
func Validate(p events.LocationPing) error {
	if p.DriverID == "" {
		return apperr.Validation("driver_id is required")
	}
	if p.Lat == nil || p.Lng == nil {
		return apperr.Validation("lat and lng are required")
	}
	if !geo.ValidCoord(*p.Lat, *p.Lng) {
		return apperr.Validation("lat/lng out of range").With("lat", *p.Lat).With("lng", *p.Lng)
	}
	if math.IsNaN(p.Accuracy) || math.IsNaN(p.Speed) || p.Accuracy < 0 || p.Speed < 0 {
		return apperr.Validation("accuracy and speed must be non-negative")
	}
	return nil
}

// UpdateLocation overwrites the fast tier and broadcasts the ping. A failed
// broadcast is logged only: the fast tier is already current and the next
// ping carries a newer position anyway.
func (s *Service) UpdateLocation(ctx context.Context, p events.LocationPing) (models.LocationRecord, error) {
	if err := Validate(p); err != nil {
		observability.LocationPings.WithLabelValues("invalid").Inc()
		return models.LocationRecord{}, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now().UTC()
	}
	rec := models.LocationRecord{
		DriverID:  p.DriverID,
		Lat:       *p.Lat,
		Lng:       *p.Lng,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		UpdatedAt: p.Timestamp,
		Source:    models.SourceFast,
	}
	if err := s.fast.Put(ctx, rec); err != nil {
		observability.LocationPings.WithLabelValues("error").Inc()
		return models.LocationRecord{}, apperr.Internal(err)
	}
	if err := s.bus.Publish(ctx, p); err != nil {
		observability.LocationPings.WithLabelValues("publish_failed").Inc()
		s.logger.Warn("location broadcast failed", "driver_id", p.DriverID, "err", err)
		return rec, nil
	}
	observability.LocationPings.WithLabelValues("ok").Inc()
	return rec, nil
}

// Resolver answers "where is this driver now": fast tier first, then the
// durable snapshot.
type Resolver struct {
	fast    FastStore
	durable storage.LocationRepo
	logger  *slog.Logger
}

func NewResolver(fast FastStore, durable storage.LocationRepo, logger *slog.Logger) *Resolver {
	return &Resolver{fast: fast, durable: durable, logger: logging.OrDefault(logger)}
}

func (r *Resolver) Current(ctx context.Context, driverID string) (models.LocationRecord, error) {
	rec, ok, err := r.fast.Get(ctx, driverID)
	if err != nil {
		r.logger.Warn("fast tier read failed, using durable snapshot", "driver_id", driverID, "err", err)
	}
	if ok {
		return rec, nil
	}
	snap, err := r.durable.Snapshot(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LocationRecord{}, apperr.ErrLocationUnavailable
	}
	if err != nil {
		return models.LocationRecord{}, apperr.Internal(err)
	}
	return *snap, nil
}
