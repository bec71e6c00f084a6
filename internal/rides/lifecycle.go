package rides

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

type ReachResult struct {
	Ride      *models.RideRequest `json:"ride"`
	DistanceM float64             `json:"distance_m"`
}

// MarkReached moves an assigned ride to driver_arrived once the driver is
// within the arrival radius of the pickup. Repeating it is a no-op.
func (s *Service) MarkReached(ctx context.Context, driverID, rideID string) (*ReachResult, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(driverID) {
		return nil, apperr.ErrNotAssigned
	}
	switch ride.Status {
	case models.StatusDriverArrived:
		return &ReachResult{Ride: ride}, nil
	case models.StatusDriverAssigned:
	default:
		return nil, apperr.ErrInvalidTransition.With("status", ride.Status)
	}

	pos, err := s.locator.Current(ctx, driverID)
	if err != nil {
		return nil, err
	}
	dist := geo.DistanceM(pos.Coord(), ride.Pickup)
	if dist > s.cfg.ArrivalRadiusM {
		return nil, apperr.ErrTooFarFromPickup.
			Withf("driver is %.0fm from the pickup point, must be within %.0fm", dist, s.cfg.ArrivalRadiusM).
			With("distance_m", math.Round(dist)).
			With("max_distance_m", s.cfg.ArrivalRadiusM).
			With("location_source", pos.Source)
	}

	now := s.now().UTC()
	ok, err := s.store.Rides().MarkArrived(ctx, rideID, driverID, now)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ok && !(cur.Status == models.StatusDriverArrived && cur.AssignedTo(driverID)) {
		return nil, apperr.ErrInvalidTransition.With("status", cur.Status)
	}
	if ok {
		observability.RideTransitions.WithLabelValues(string(models.StatusDriverArrived)).Inc()
		s.logger.Info("driver arrived", "ride_id", rideID, "driver_id", driverID, "distance_m", math.Round(dist))
	}
	return &ReachResult{Ride: cur, DistanceM: dist}, nil
}

// VerifyOTP redeems the start code. The check and the transition are one
// conditional write, so a code can start a trip at most once.
func (s *Service) VerifyOTP(ctx context.Context, driverID, rideID, otp string) (*models.RideRequest, error) {
	if otp == "" {
		return nil, apperr.Validation("otp is required")
	}
	ok, err := s.store.Rides().StartTrip(ctx, rideID, driverID, otp, s.now().UTC())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrInvalidOrUsedOtp.With("status", ride.Status)
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusTripStarted)).Inc()
	s.logger.Info("trip started", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

type CompleteResult struct {
	Ride           *models.RideRequest `json:"ride"`
	DistanceKm     float64             `json:"distance_from_drop_km"`
	ExtraFare      decimal.Decimal     `json:"extra_fare"`
	RevisedAmount  decimal.Decimal     `json:"revised_amount"`
	LockReleased   bool                `json:"lock_released"`
	ReleasedAmount decimal.Decimal     `json:"released_amount"`
}

// ExtraFare bills distance beyond the drop threshold, rounded to whole units.
func ExtraFare(distanceKm, thresholdKm float64, perKm decimal.Decimal) decimal.Decimal {
	if distanceKm <= thresholdKm {
		return decimal.Zero
	}
	return decimal.NewFromFloat(distanceKm).Mul(perKm).Round(0)
}

// Complete finishes a started trip and releases its fund lock in one unit. A
// ride without an active lock is not completed.
func (s *Service) Complete(ctx context.Context, driverID, rideID, endOTP string) (*CompleteResult, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(driverID) {
		return nil, apperr.ErrNotAssigned
	}
	if ride.Status != models.StatusTripStarted {
		return nil, apperr.ErrInvalidTransition.With("status", ride.Status)
	}
	if s.cfg.RequireEndOTP && endOTP != ride.EndOTP {
		return nil, apperr.ErrInvalidOrUsedOtp
	}
	if lock, err := s.store.Wallets().ActiveLock(ctx, rideID); err != nil || lock.DriverID != driverID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Internal(err)
		}
		return nil, apperr.ErrLockNotFound.With("ride_id", rideID)
	}
	pos, err := s.locator.Current(ctx, driverID)
	if err != nil {
		return nil, err
	}

	distKm := geo.DistanceKm(pos.Coord(), ride.Drop)
	extra := ExtraFare(distKm, s.cfg.ExtraFareThresholdKm, s.cfg.PerKmRate)
	revised := ride.TotalAmount.Add(extra)
	now := s.now().UTC()

	res := &CompleteResult{DistanceKm: distKm, ExtraFare: extra, RevisedAmount: revised}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		ok, err := tx.Rides().Complete(ctx, rideID, driverID, storage.Completion{
			At:            now,
			ExtraFare:     extra,
			TotalAmount:   revised,
			DriverEarning: revised.Sub(ride.CommissionAmount),
		})
		if err != nil {
			return apperr.Internal(err)
		}
		if !ok {
			return apperr.ErrInvalidTransition.Withf("ride %s is no longer in progress", rideID)
		}
		lock, err := wallet.Release(ctx, tx, driverID, rideID, now)
		if err != nil {
			return err
		}
		res.LockReleased = true
		res.ReleasedAmount = lock.Amount
		res.Ride, err = s.getRide(ctx, tx.Rides(), rideID)
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusTripCompleted)).Inc()
	s.logger.Info("trip completed", "ride_id", rideID, "driver_id", driverID, "extra_fare", extra, "released", res.ReleasedAmount)
	return res, nil
}

// CancellationCharge is a share of the amount already paid, growing as the
// scheduled pickup approaches. Nothing is charged when nothing was paid.
func CancellationCharge(r *models.RideRequest, now time.Time) decimal.Decimal {
	if !r.PaidAmount.IsPositive() {
		return decimal.Zero
	}
	until := r.PickupAt.Sub(now)
	var pct int64
	switch {
	case until > 24*time.Hour:
		pct = 0
	case until > 12*time.Hour:
		pct = 25
	case until > 6*time.Hour:
		pct = 50
	default:
		pct = 75
	}
	return r.PaidAmount.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100)).Round(2)
}

type CancelResult struct {
	Ride               *models.RideRequest `json:"ride"`
	CancellationCharge decimal.Decimal     `json:"cancellation_charge"`
	ReleasedAmount     decimal.Decimal     `json:"released_amount"`
}

// CancelByDriver withdraws the assigned driver from the ride.
func (s *Service) CancelByDriver(ctx context.Context, driverID, rideID, reason string) (*CancelResult, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(driverID) {
		return nil, apperr.ErrNotAssigned
	}
	return s.cancel(ctx, ride, models.StatusCancelledByDriver, driverID, reason)
}

// CancelByUser cancels on behalf of the poster or the customer.
func (s *Service) CancelByUser(ctx context.Context, requesterID, rideID, reason string) (*CancelResult, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || (requesterID != ride.PostedBy && requesterID != ride.CustomerID) {
		return nil, apperr.ErrNotRideOwner
	}
	return s.cancel(ctx, ride, models.StatusCancelledByUser, "", reason)
}

// CancelBySystem is used for operator and housekeeping cancellations.
func (s *Service) CancelBySystem(ctx context.Context, rideID, reason string) (*CancelResult, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, ride, models.StatusCancelledBySystem, "", reason)
}

func (s *Service) cancel(ctx context.Context, ride *models.RideRequest, status models.RideStatus, driverID, reason string) (*CancelResult, error) {
	if ride.Status.Terminal() {
		return nil, apperr.ErrInvalidTransition.With("status", ride.Status)
	}
	now := s.now().UTC()
	charge := CancellationCharge(ride, now)
	res := &CancelResult{CancellationCharge: charge}

	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		ok, err := tx.Rides().Cancel(ctx, ride.ID, storage.Cancellation{
			Status:   status,
			From:     models.OpenStatuses,
			DriverID: driverID,
			Reason:   reason,
			Charge:   charge,
			At:       now,
		})
		if err != nil {
			return apperr.Internal(err)
		}
		if !ok {
			return apperr.ErrInvalidTransition.Withf("ride %s can no longer be cancelled", ride.ID)
		}
		cur, err := s.getRide(ctx, tx.Rides(), ride.ID)
		if err != nil {
			return err
		}
		res.Ride = cur
		if cur.DriverID == "" {
			return nil
		}
		lock, err := wallet.Release(ctx, tx, cur.DriverID, ride.ID, now)
		if errors.Is(err, apperr.ErrLockNotFound) {
			s.logger.Warn("cancelled ride had no active lock", "ride_id", ride.ID, "driver_id", cur.DriverID)
			return nil
		}
		if err != nil {
			return err
		}
		res.ReleasedAmount = lock.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(status)).Inc()
	s.logger.Info("ride cancelled", "ride_id", ride.ID, "status", status, "charge", charge, "released", res.ReleasedAmount)
	return res, nil
}
