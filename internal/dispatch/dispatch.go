// Package dispatch tells nearby drivers about newly posted rides. Each
// driver is notified at most once per ride: the notified set is claimed
// before sending and released again if the send fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/queue"
	"github.com/example/ride-escrow/internal/storage"
)

const (
	defaultRadiusKm = 10.0
	rideChannel     = "ride_requests"
)

type Report struct {
	Candidates int `json:"candidates"`
	Eligible   int `json:"eligible"`
	Sent       int `json:"sent"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

type Dispatcher struct {
	repos    storage.Repos
	notified NotifiedSet
	sender   Sender
	logger   *slog.Logger
}

func NewDispatcher(repos storage.Repos, notified NotifiedSet, sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{repos: repos, notified: notified, sender: sender, logger: logging.OrDefault(logger)}
}

// HandleJob is the queue entry point. Undecodable payloads fail permanently.
func (d *Dispatcher) HandleJob(ctx context.Context, job queue.Job) error {
	var ev events.RidePosted
	if err := events.Decode(job.Payload, &ev); err != nil {
		return queue.Permanent(err)
	}
	rep, err := d.Handle(ctx, ev)
	if err != nil {
		return err
	}
	d.logger.Info("ride dispatch finished",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"ride_id", ev.RideID,
		"candidates", rep.Candidates,
		"eligible", rep.Eligible,
		"sent", rep.Sent,
		"duplicates", rep.Duplicates,
		"failed", rep.Failed,
	)
	return nil
}

// Handle notifies every eligible driver about ev. Only lookup failures are
// returned; failed sends are counted and logged.
func (d *Dispatcher) Handle(ctx context.Context, ev events.RidePosted) (Report, error) {
	var rep Report
	ride, err := d.repos.Rides().Get(ctx, ev.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		return rep, queue.Permanent(fmt.Errorf("ride %s not found", ev.RideID))
	}
	if err != nil {
		return rep, err
	}
	if ride.Status != models.StatusSearching {
		d.logger.Info("ride no longer searching, skipping dispatch", "ride_id", ev.RideID, "status", ride.Status)
		return rep, nil
	}

	cells := geo.SearchCells(ev.Pickup, geo.DispatchPrecision)
	candidates, err := d.repos.Drivers().DispatchCandidates(ctx, cells, geo.DispatchPrecision)
	if err != nil {
		return rep, fmt.Errorf("dispatch candidates: %w", err)
	}
	rep.Candidates = len(candidates)

	for _, c := range candidates {
		distKm, ok := eligible(c, ev)
		if !ok {
			continue
		}
		rep.Eligible++

		first, err := d.notified.Claim(ctx, ev.RideID, c.Driver.ID)
		if err != nil {
			return rep, fmt.Errorf("claim notified slot: %w", err)
		}
		if !first {
			rep.Duplicates++
			observability.Notifications.WithLabelValues("duplicate").Inc()
			continue
		}
		if err := d.sender.Send(ctx, c.Driver, notificationFor(ev, distKm)); err != nil {
			rep.Failed++
			observability.Notifications.WithLabelValues("failed").Inc()
			d.logger.Warn("ride notification failed", "ride_id", ev.RideID, "driver_id", c.Driver.ID, "provider", c.Driver.PushProvider, "err", err)
			if rerr := d.notified.Release(ctx, ev.RideID, c.Driver.ID); rerr != nil {
				d.logger.Error("release notified slot", "ride_id", ev.RideID, "driver_id", c.Driver.ID, "err", rerr)
			}
			continue
		}
		rep.Sent++
		observability.Notifications.WithLabelValues("sent").Inc()
	}
	return rep, nil
}

// eligible applies the driver's own radius and class preferences.
func eligible(c storage.Candidate, ev events.RidePosted) (float64, bool) {
	if c.Driver.ID == ev.PostedBy {
		return 0, false
	}
	if !c.Driver.Accepts(ev.VehicleClass) {
		return 0, false
	}
	radius := c.Driver.SearchRadiusKm
	if radius <= 0 {
		radius = defaultRadiusKm
	}
	dist := geo.DistanceKm(c.Position.Coord(), ev.Pickup)
	return dist, dist <= radius
}

func notificationFor(ev events.RidePosted, distKm float64) Notification {
	return Notification{
		Title: "New ride nearby",
		Body: fmt.Sprintf("%s ride %.1f km away, pickup %s, fare %s",
			ev.VehicleClass, distKm, ev.PickupAt.Format("Jan 2 15:04"), ev.TotalAmount.StringFixed(2)),
		Data: map[string]string{
			"type":          "ride_posted",
			"ride_id":       ev.RideID,
			"vehicle_class": string(ev.VehicleClass),
			"distance_km":   strconv.FormatFloat(distKm, 'f', 2, 64),
			"pickup_at":     ev.PickupAt.UTC().Format(time.RFC3339),
			"total_amount":  ev.TotalAmount.String(),
		},
		Channel: rideChannel,
	}
}
