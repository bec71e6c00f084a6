// Package matcher lists the searching rides a driver can take.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/eta"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/storage"
)

const DefaultLimit = 20

type Profiles interface {
	Get(ctx context.Context, driverID string) (*models.Driver, error)
}

type Locator interface {
	Current(ctx context.Context, driverID string) (models.LocationRecord, error)
}

type Match struct {
	Ride       *models.RideRequest `json:"ride"`
	DistanceKm *float64            `json:"distance_km,omitempty"`
	ETASeconds *float64            `json:"eta_seconds,omitempty"`
}

// Diagnostics explains an empty or short result.
type Diagnostics struct {
	TotalSearching  int                   `json:"total_searching"`
	MatchingVehicle int                   `json:"matching_vehicle"`
	AcceptedClasses []models.VehicleClass `json:"accepted_classes"`
}

type Result struct {
	Rides         []Match                `json:"rides"`
	RadiusApplied bool                   `json:"radius_applied"`
	RadiusKm      float64                `json:"radius_km"`
	Position      *models.LocationRecord `json:"position,omitempty"`
	Diagnostics   Diagnostics            `json:"diagnostics"`
}

type Service struct {
	profiles Profiles
	rides    storage.RideRepo
	locator  Locator
	eta      *eta.Estimator
	limit    int
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(profiles Profiles, rides storage.RideRepo, locator Locator, estimator *eta.Estimator, limit int, logger *slog.Logger) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		profiles: profiles,
		rides:    rides,
		locator:  locator,
		eta:      estimator,
		limit:    limit,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// Search returns future searching rides in the driver's accepted classes,
// excluding their own posts. With applyRadius and a known position the list
// is limited to the driver's radius and ordered by pickup time then
// distance; otherwise by pickup time alone.
func (s *Service) Search(ctx context.Context, driverID string, applyRadius bool) (*Result, error) {
	d, err := s.profiles.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	classes := d.AcceptedSet()
	res := &Result{
		Rides:       []Match{},
		RadiusKm:    d.SearchRadiusKm,
		Diagnostics: Diagnostics{AcceptedClasses: classes},
	}

	q := storage.SearchQuery{
		Classes:         classes,
		ExcludePostedBy: driverID,
		Now:             s.now().UTC(),
		Limit:           s.limit,
	}

	pos, err := s.locator.Current(ctx, driverID)
	switch {
	case err == nil:
		res.Position = &pos
	case errors.Is(err, apperr.ErrLocationUnavailable):
		if applyRadius {
			s.logger.Info("no position for radius search, listing all", "driver_id", driverID)
		}
	default:
		return nil, err
	}
	if applyRadius && res.Position != nil {
		center := pos.Coord()
		q.Center = &center
		q.RadiusKm = d.SearchRadiusKm
		res.RadiusApplied = true
	}

	nearby, err := s.rides.SearchNearby(ctx, q)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, n := range nearby {
		m := Match{Ride: n.Ride, DistanceKm: n.DistanceKm}
		if res.Position != nil && s.eta != nil {
			secs := s.eta.Seconds(ctx, pos.Coord(), n.Ride.Pickup)
			m.ETASeconds = &secs
		}
		res.Rides = append(res.Rides, m)
	}

	counts, err := s.rides.CountSearching(ctx, q)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	res.Diagnostics.TotalSearching = counts.TotalSearching
	res.Diagnostics.MatchingVehicle = counts.MatchingVehicle
	return res, nil
}
