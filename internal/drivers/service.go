// Package drivers owns driver profiles and search preferences. Profiles are
// read on every search and dispatch, so reads go through a process-wide cache
// that every write invalidates.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/motoki317/sc"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/storage"
)

const (
	DefaultRadiusKm = 10.0
	cacheFreshFor   = 30 * time.Second
	cacheTTL        = time.Minute
)

type Service struct {
	repo   storage.DriverRepo
	cache  *sc.Cache[string, *models.Driver]
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo storage.DriverRepo, logger *slog.Logger) (*Service, error) {
	s := &Service{repo: repo, logger: logging.OrDefault(logger), now: time.Now}
	cache, err := sc.New(s.load, cacheFreshFor, cacheTTL)
	if err != nil {
		return nil, fmt.Errorf("driver cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Driver, error) {
	return s.repo.Get(ctx, id)
}

// Get returns a copy callers may modify.
func (s *Service) Get(ctx context.Context, id string) (*models.Driver, error) {
	d, err := s.cache.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	c := *d
	c.AcceptedClasses = append([]models.VehicleClass(nil), d.AcceptedClasses...)
	return &c, nil
}

type Profile struct {
	Name            string                `json:"name"`
	PushToken       string                `json:"push_token"`
	PushProvider    models.PushProvider   `json:"push_provider"`
	VehicleClass    models.VehicleClass   `json:"vehicle_class"`
	SearchRadiusKm  *float64              `json:"search_radius_km,omitempty"`
	AcceptedClasses []models.VehicleClass `json:"accepted_classes,omitempty"`
	Active          *bool                 `json:"active,omitempty"`
}

func validRadius(r float64) error {
	if r <= 0 || r > geo.MaxSearchRadiusKm {
		return apperr.Validation(fmt.Sprintf("search radius must be within (0, %.0f] km", geo.MaxSearchRadiusKm))
	}
	return nil
}

func validProvider(p models.PushProvider) bool {
	switch p {
	case "", models.PushFCM, models.PushWS, models.PushTelegram:
		return true
	}
	return false
}

// Upsert syncs a profile from the account service. Online state and any
// field left unset keep their stored values.
func (s *Service) Upsert(ctx context.Context, id string, p Profile) (*models.Driver, error) {
	if id == "" {
		return nil, apperr.Validation("driver id is required")
	}
	if !validProvider(p.PushProvider) {
		return nil, apperr.Validation("unknown push provider " + string(p.PushProvider))
	}
	d, err := s.repo.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d = &models.Driver{ID: id, SearchRadiusKm: DefaultRadiusKm, Active: true}
	case err != nil:
		return nil, apperr.Internal(err)
	}
	d.Name = p.Name
	d.PushToken = p.PushToken
	d.PushProvider = p.PushProvider
	if d.PushProvider == "" && d.PushToken != "" {
		d.PushProvider = models.PushFCM
	}
	d.VehicleClass = p.VehicleClass
	if p.SearchRadiusKm != nil {
		if err := validRadius(*p.SearchRadiusKm); err != nil {
			return nil, err
		}
		d.SearchRadiusKm = *p.SearchRadiusKm
	}
	if p.AcceptedClasses != nil {
		d.AcceptedClasses = p.AcceptedClasses
	}
	if p.Active != nil {
		d.Active = *p.Active
	}
	d.UpdatedAt = s.now().UTC()
	if err := s.repo.Upsert(ctx, d); err != nil {
		return nil, apperr.Internal(err)
	}
	s.cache.Forget(id)
	return d, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, id string, radiusKm float64, classes []models.VehicleClass) (*models.Driver, error) {
	if err := validRadius(radiusKm); err != nil {
		return nil, err
	}
	for _, c := range classes {
		if c == "" {
			return nil, apperr.Validation("vehicle class must not be empty")
		}
	}
	err := s.repo.UpdatePreferences(ctx, id, radiusKm, classes, s.now().UTC())
	s.cache.Forget(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("driver")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return s.Get(ctx, id)
}

func (s *Service) SetOnline(ctx context.Context, id string, online bool) error {
	err := s.repo.SetOnline(ctx, id, online, s.now().UTC())
	s.cache.Forget(id)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("driver")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	s.logger.Info("driver availability changed", "driver_id", id, "online", online)
	return nil
}
