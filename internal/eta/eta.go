// Package eta estimates driving time from a driver to a pickup point.
package eta

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/motoki317/sc"

	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h city traffic.
const DefaultSpeedMps = 8.0

// Router returns a routed driving duration in seconds.
type Router interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Naive is straight-line distance over a constant speed.
func Naive(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceM(from, to) / speedMps
}

// pair is a cache key with coordinates snapped to ~1m.
type pair struct {
	from, to models.Coord
}

func snap(c models.Coord) models.Coord {
	return models.Coord{Lat: math.Round(c.Lat*1e5) / 1e5, Lng: math.Round(c.Lng*1e5) / 1e5}
}

// Estimator asks the router when one is configured and falls back to Naive
// when it is missing or failing. Routed answers are cached.
type Estimator struct {
	router   Router
	speedMps float64
	cache    *sc.Cache[pair, float64]
	logger   *slog.Logger
}

func NewEstimator(router Router, speedMps float64, ttl time.Duration, logger *slog.Logger) (*Estimator, error) {
	e := &Estimator{router: router, speedMps: speedMps, logger: logging.OrDefault(logger)}
	if router != nil {
		if ttl <= 0 {
			ttl = time.Minute
		}
		cache, err := sc.New(func(ctx context.Context, k pair) (float64, error) {
			return router.EstimateSeconds(ctx, k.from, k.to)
		}, ttl, ttl)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	return e, nil
}

// Seconds never fails; a router error degrades to the naive estimate.
func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.cache != nil {
		v, err := e.cache.Get(ctx, pair{from: snap(from), to: snap(to)})
		if err == nil {
			return v
		}
		e.logger.Debug("eta router failed, using straight line", "err", err)
	}
	return Naive(from, to, e.speedMps)
}
