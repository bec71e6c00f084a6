package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
)

type Outcome string

const (
	OutcomeFirst   Outcome = "first"
	OutcomeMoved   Outcome = "moved"
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStale marks a ping older than the stored snapshot.
	OutcomeStale   Outcome = "stale"
	OutcomeInvalid Outcome = "invalid"
)

// Reconciler throttles broadcast pings into durable snapshots: a snapshot is
// written only when none exists or the driver moved at least MinMoveM.
type Reconciler struct {
	store    storage.LocationRepo
	minMoveM float64
	logger   *slog.Logger
}

func NewReconciler(store storage.LocationRepo, minMoveM float64, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, minMoveM: minMoveM, logger: logging.OrDefault(logger)}
}

func (r *Reconciler) Apply(ctx context.Context, p events.LocationPing) (Outcome, error) {
	if err := Validate(p); err != nil {
		observability.SnapshotWrites.WithLabelValues(string(OutcomeInvalid)).Inc()
		return OutcomeInvalid, err
	}
	next := models.LocationRecord{
		DriverID:  p.DriverID,
		Lat:       *p.Lat,
		Lng:       *p.Lng,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Geohash:   geo.Cell(p.Coord(), geo.SnapshotPrecision),
		UpdatedAt: p.Timestamp,
		Source:    models.SourceDurable,
	}

	outcome := OutcomeFirst
	prev, err := r.store.Snapshot(ctx, p.DriverID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("load snapshot %s: %w", p.DriverID, err)
	case !p.Timestamp.IsZero() && p.Timestamp.Before(prev.UpdatedAt):
		outcome = OutcomeStale
	case geo.DistanceM(prev.Coord(), next.Coord()) < r.minMoveM:
		outcome = OutcomeSkipped
	default:
		outcome = OutcomeMoved
	}

	if outcome == OutcomeFirst || outcome == OutcomeMoved {
		if err := r.store.SaveSnapshot(ctx, next); err != nil {
			return "", fmt.Errorf("save snapshot %s: %w", p.DriverID, err)
		}
	}
	observability.SnapshotWrites.WithLabelValues(string(outcome)).Inc()
	r.logger.Debug("location reconciled", "driver_id", p.DriverID, "outcome", outcome)
	return outcome, nil
}

// Handle adapts Apply to a bus Handler; invalid pings are dropped.
func (r *Reconciler) Handle(ctx context.Context, p events.LocationPing) error {
	_, err := r.Apply(ctx, p)
	if err != nil && apperr.KindOf(err) == apperr.KindValidation {
		r.logger.Warn("dropping invalid location ping", "driver_id", p.DriverID, "err", err)
		return nil
	}
	return err
}

// Run consumes sub until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, r.Handle)
}
