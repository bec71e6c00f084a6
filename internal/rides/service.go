// Package rides runs the ride lifecycle: posting, the claim transaction,
// arrival, OTP-gated start, completion with fare adjustment, cancellation and
// the background sweep for abandoned claims.
package rides

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

// Locator resolves a driver's current position.
type Locator interface {
	Current(ctx context.Context, driverID string) (models.LocationRecord, error)
}

// JobQueue takes ride-posted payloads for the notification dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

type Config struct {
	LockPercent          float64
	PerKmRate            decimal.Decimal
	ArrivalRadiusM       float64
	ExtraFareThresholdKm float64
	RequireEndOTP        bool
	ClaimTTL             time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockPercent:          20,
		PerKmRate:            decimal.NewFromInt(12),
		ArrivalRadiusM:       200,
		ExtraFareThresholdKm: 1,
		ClaimTTL:             6 * time.Hour,
	}
}

type Service struct {
	store   storage.Store
	ledger  *wallet.Ledger
	locator Locator
	jobs    JobQueue
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	otp     func() (string, error)
}

func NewService(store storage.Store, ledger *wallet.Ledger, locator Locator, jobs JobQueue, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		locator: locator,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
		otp:     newOTP,
	}
}

func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func (s *Service) getRide(ctx context.Context, repo storage.RideRepo, id string) (*models.RideRequest, error) {
	r, err := repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.getRide(ctx, s.store.Rides(), id)
}

type PostInput struct {
	PostedBy         string              `json:"posted_by"`
	CustomerID       string              `json:"customer_id"`
	Pickup           models.Coord        `json:"pickup"`
	Drop             models.Coord        `json:"drop"`
	Stops            []models.Coord      `json:"stops"`
	VehicleClass     models.VehicleClass `json:"vehicle_class"`
	PickupAt         time.Time           `json:"pickup_at"`
	TotalAmount      decimal.Decimal     `json:"total_amount"`
	CommissionAmount decimal.Decimal     `json:"commission_amount"`
	PaidAmount       decimal.Decimal     `json:"paid_amount"`
}

func (in PostInput) validate(now time.Time) error {
	if in.PostedBy == "" && in.CustomerID == "" {
		return apperr.Validation("posted_by or customer_id is required")
	}
	for _, c := range append([]models.Coord{in.Pickup, in.Drop}, in.Stops...) {
		if !geo.ValidCoord(c.Lat, c.Lng) {
			return apperr.Validation("coordinates out of range")
		}
	}
	if in.VehicleClass == "" {
		return apperr.Validation("vehicle_class is required")
	}
	if !in.TotalAmount.IsPositive() {
		return apperr.Validation("total_amount must be positive")
	}
	if in.CommissionAmount.IsNegative() || in.CommissionAmount.GreaterThan(in.TotalAmount) {
		return apperr.Validation("commission_amount must be within [0, total_amount]")
	}
	if in.PaidAmount.IsNegative() {
		return apperr.Validation("paid_amount must not be negative")
	}
	if in.PickupAt.IsZero() {
		return apperr.Validation("pickup_at is required")
	}
	if in.PickupAt.Before(now) {
		return apperr.ErrPickupTimePassed.With("pickup_at", in.PickupAt).With("now", now)
	}
	return nil
}

// Post creates a searching ride and queues the notification job. A queue
// failure is logged; the ride stays visible to nearby searches.
func (s *Service) Post(ctx context.Context, in PostInput) (*models.RideRequest, error) {
	now := s.now().UTC()
	if err := in.validate(now); err != nil {
		return nil, err
	}
	startOTP, err := s.otp()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	endOTP, err := s.otp()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	r := &models.RideRequest{
		ID:               ulid.Make().String(),
		PostedBy:         in.PostedBy,
		CustomerID:       in.CustomerID,
		Pickup:           in.Pickup,
		Drop:             in.Drop,
		Stops:            in.Stops,
		VehicleClass:     in.VehicleClass,
		PickupAt:         in.PickupAt.UTC(),
		TotalAmount:      in.TotalAmount,
		CommissionAmount: in.CommissionAmount,
		PaidAmount:       in.PaidAmount,
		Status:           models.StatusSearching,
		StartOTP:         startOTP,
		EndOTP:           endOTP,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.Normalize()
	if err := s.store.Rides().Create(ctx, r); err != nil {
		return nil, apperr.Internal(fmt.Errorf("create ride: %w", err))
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusSearching)).Inc()

	if s.jobs != nil {
		payload, err := events.Encode(events.RidePostedFrom(r, now))
		if err == nil {
			_, err = s.jobs.Enqueue(ctx, payload)
		}
		if err != nil {
			s.logger.Error("enqueue ride notification", "ride_id", r.ID, "err", err)
		}
	}
	s.logger.Info("ride posted", "ride_id", r.ID, "vehicle_class", r.VehicleClass, "pickup_at", r.PickupAt)
	return r, nil
}

// RideCodes carries the OTPs the rider reads out at pickup and drop. Only
// the poster or customer ever receives them.
type RideCodes struct {
	Ride     *models.RideRequest `json:"ride"`
	StartOTP string              `json:"start_otp"`
	EndOTP   string              `json:"end_otp"`
}

func codesOf(r *models.RideRequest) *RideCodes {
	return &RideCodes{Ride: r, StartOTP: r.StartOTP, EndOTP: r.EndOTP}
}

// PostWithCodes posts a ride and hands the codes back to the caller.
func (s *Service) PostWithCodes(ctx context.Context, in PostInput) (*RideCodes, error) {
	r, err := s.Post(ctx, in)
	if err != nil {
		return nil, err
	}
	return codesOf(r), nil
}

// Codes returns the ride's OTPs to its poster or customer.
func (s *Service) Codes(ctx context.Context, requesterID, rideID string) (*RideCodes, error) {
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || (requesterID != ride.PostedBy && requesterID != ride.CustomerID) {
		return nil, apperr.ErrNotRideOwner
	}
	return codesOf(ride), nil
}

type AcceptResult struct {
	RideID           string              `json:"ride_id"`
	LockedAmount     decimal.Decimal     `json:"locked_amount"`
	RemainingBalance decimal.Decimal     `json:"remaining_balance"`
	Ride             *models.RideRequest `json:"ride"`
}

// Accept claims a searching ride for driverID and escrows the required lock
// in the same transaction. Any failure leaves the ride searching and the
// wallet untouched.
func (s *Service) Accept(ctx context.Context, driverID, rideID string) (res *AcceptResult, err error) {
	start := time.Now()
	defer func() {
		observability.ClaimLatency.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = apperr.From(err).Code
		}
		observability.ClaimsTotal.WithLabelValues(result).Inc()
	}()

	if driverID == "" {
		return nil, apperr.Validation("driver id is required")
	}
	ride, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.PostedBy == driverID {
		return nil, apperr.Validation("drivers cannot accept their own ride")
	}
	// Provisioning happens outside the claim so a first-time driver keeps the
	// new wallet even though the claim is refused.
	created, err := s.ledger.EnsureWallet(ctx, driverID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	required := wallet.RequiredLock(ride.TotalAmount, s.cfg.LockPercent)
	res = &AcceptResult{RideID: rideID, LockedAmount: required}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		ok, err := tx.Rides().Claim(ctx, rideID, driverID, now)
		if err != nil {
			return apperr.Internal(err)
		}
		if !ok {
			return s.claimConflict(ctx, tx, rideID)
		}

		w, err := tx.Wallets().Get(ctx, driverID, true)
		if err != nil {
			return apperr.Internal(err)
		}
		if created || (w.LedgerBalance().IsZero() && required.IsPositive()) {
			return apperr.ErrWalletEmpty.With("required", required)
		}
		if _, err := wallet.Lock(ctx, tx, driverID, rideID, required, now); err != nil {
			return err
		}
		res.RemainingBalance = w.Balance.Sub(required)
		res.Ride, err = s.getRide(ctx, tx.Rides(), rideID)
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("ride claim failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		} else {
			s.logger.Info("ride claim refused", "ride_id", rideID, "driver_id", driverID, "reason", apperr.From(err).Code)
		}
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusDriverAssigned)).Inc()
	s.logger.Info("ride claimed", "ride_id", rideID, "driver_id", driverID, "locked", required)
	return res, nil
}

// claimConflict explains a failed claim: somebody else holds the ride, or it
// left the searching state some other way.
func (s *Service) claimConflict(ctx context.Context, tx storage.Repos, rideID string) error {
	cur, err := s.getRide(ctx, tx.Rides(), rideID)
	if err != nil {
		return err
	}
	if cur.DriverID != "" {
		return apperr.ErrAlreadyClaimed.With("status", cur.Status)
	}
	return apperr.ErrInvalidTransition.With("status", cur.Status)
}
