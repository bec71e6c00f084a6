package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

// Repos is the set of repositories, either bound to the store directly or to
// a running transaction.
type Repos interface {
	Rides() RideRepo
	Wallets() WalletRepo
	Drivers() DriverRepo
	Locations() LocationRepo
}

// Store is the durable record store.
type Store interface {
	Repos
	// InTx runs fn inside one all-or-nothing unit. Any error returned by fn
	// rolls back every write made through the passed Repos.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
	Ping(ctx context.Context) error
	Close() error
}

// RideRepo state changes are single conditional writes: each returns false
// when the ride was not in the expected state, and never reads then writes.
type RideRepo interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)

	Claim(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	MarkArrived(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	StartTrip(ctx context.Context, rideID, driverID, otp string, at time.Time) (bool, error)
	Complete(ctx context.Context, rideID, driverID string, c Completion) (bool, error)
	Cancel(ctx context.Context, rideID string, c Cancellation) (bool, error)
	// Unassign returns a claimed ride to searching.
	Unassign(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	// Expire moves a searching ride to no_driver_found.
	Expire(ctx context.Context, rideID string, at time.Time) (bool, error)

	SearchNearby(ctx context.Context, q SearchQuery) ([]NearbyRide, error)
	CountSearching(ctx context.Context, q SearchQuery) (SearchCounts, error)
	StaleClaims(ctx context.Context, acceptedBefore time.Time, limit int) ([]*models.RideRequest, error)
	ExpiredSearching(ctx context.Context, now time.Time, limit int) ([]*models.RideRequest, error)
}

type Completion struct {
	At            time.Time
	ExtraFare     decimal.Decimal
	TotalAmount   decimal.Decimal
	DriverEarning decimal.Decimal
}

type Cancellation struct {
	Status models.RideStatus
	// From lists the statuses the ride may be in for the cancel to apply.
	From []models.RideStatus
	// DriverID, when set, must match the assigned driver.
	DriverID string
	Reason   string
	Charge   decimal.Decimal
	At       time.Time
}

type SearchQuery struct {
	Classes         []models.VehicleClass
	ExcludePostedBy string
	Now             time.Time
	// Center and RadiusKm restrict results to pickups within the radius.
	Center   *models.Coord
	RadiusKm float64
	Limit    int
}

type NearbyRide struct {
	Ride *models.RideRequest
	// DistanceKm is only set when the query had a center.
	DistanceKm *float64
}

type SearchCounts struct {
	TotalSearching  int
	MatchingVehicle int
}

type BalanceDelta struct {
	Balance           decimal.Decimal
	Earnings          decimal.Decimal
	Withdrawals       decimal.Decimal
	PendingSettlement decimal.Decimal
	At                time.Time
}

type WalletRepo interface {
	// Ensure creates an empty wallet if none exists and reports whether it did.
	Ensure(ctx context.Context, driverID string, at time.Time) (bool, error)
	// Get loads the wallet with its unreleased locks. forUpdate pins the row
	// until the surrounding transaction ends.
	Get(ctx context.Context, driverID string, forUpdate bool) (*models.Wallet, error)
	// Adjust applies d and returns false when it would make balance negative.
	Adjust(ctx context.Context, driverID string, d BalanceDelta) (bool, error)
	// AddLock fails with ErrDuplicate if the ride already has an unreleased lock.
	AddLock(ctx context.Context, l models.LockEntry) error
	// ReleaseLock flips the unreleased lock for rideID; ErrNotFound if none.
	ReleaseLock(ctx context.Context, driverID, rideID string, at time.Time) (*models.LockEntry, error)
	ActiveLock(ctx context.Context, rideID string) (*models.LockEntry, error)
	// AppendTransaction fails with ErrDuplicate on a repeated external ref.
	AppendTransaction(ctx context.Context, t models.Transaction) error
	RecentTransactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error)
}

type Candidate struct {
	Driver   models.Driver
	Position models.LocationRecord
}

type DriverRepo interface {
	Get(ctx context.Context, id string) (*models.Driver, error)
	Upsert(ctx context.Context, d *models.Driver) error
	UpdatePreferences(ctx context.Context, id string, radiusKm float64, classes []models.VehicleClass, at time.Time) error
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
	// DispatchCandidates returns online, active drivers with a push
	// destination, no active ride and a durable snapshot whose geohash
	// prefix of the given precision is one of cells.
	DispatchCandidates(ctx context.Context, cells []string, precision int) ([]Candidate, error)
}

type LocationRepo interface {
	Snapshot(ctx context.Context, driverID string) (*models.LocationRecord, error)
	SaveSnapshot(ctx context.Context, rec models.LocationRecord) error
}
