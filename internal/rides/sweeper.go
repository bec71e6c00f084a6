package rides

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

const sweepBatch = 100

type SweepReport struct {
	Unassigned int
	Expired    int
}

// Sweep returns claims held past ClaimTTL to searching, releasing their
// locks, then closes searching rides whose pickup time has passed as
// no_driver_found.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now().UTC()

	if s.cfg.ClaimTTL > 0 {
		stale, err := s.store.Rides().StaleClaims(ctx, now.Add(-s.cfg.ClaimTTL), sweepBatch)
		if err != nil {
			return rep, apperr.Internal(err)
		}
		for _, r := range stale {
			ok, err := s.unassign(ctx, r, now)
			if err != nil {
				s.logger.Error("unassign stale claim", "ride_id", r.ID, "driver_id", r.DriverID, "err", err)
				continue
			}
			if ok {
				rep.Unassigned++
				observability.SweepActions.WithLabelValues("unassigned").Inc()
			}
		}
	}

	expired, err := s.store.Rides().ExpiredSearching(ctx, now, sweepBatch)
	if err != nil {
		return rep, apperr.Internal(err)
	}
	for _, r := range expired {
		ok, err := s.store.Rides().Expire(ctx, r.ID, now)
		if err != nil {
			s.logger.Error("expire ride", "ride_id", r.ID, "err", err)
			continue
		}
		if ok {
			rep.Expired++
			observability.SweepActions.WithLabelValues("expired").Inc()
			observability.RideTransitions.WithLabelValues(string(models.StatusNoDriverFound)).Inc()
		}
	}
	if rep.Unassigned > 0 || rep.Expired > 0 {
		s.logger.Info("sweep finished", "unassigned", rep.Unassigned, "expired", rep.Expired)
	}
	return rep, nil
}

func (s *Service) unassign(ctx context.Context, r *models.RideRequest, now time.Time) (bool, error) {
	var ok bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		var err error
		ok, err = tx.Rides().Unassign(ctx, r.ID, r.DriverID, now)
		if err != nil || !ok {
			return err
		}
		_, err = wallet.Release(ctx, tx, r.DriverID, r.ID, now)
		if errors.Is(err, apperr.ErrLockNotFound) {
			return nil
		}
		return err
	})
	if ok && err == nil {
		s.logger.Warn("stale claim returned to searching", "ride_id", r.ID, "driver_id", r.DriverID, "accepted_at", r.AcceptedAt)
	}
	return ok && err == nil, err
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "err", err)
			}
		}
	}
}
