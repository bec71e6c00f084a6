// Package events defines the payloads that cross process boundaries: location
// pings on the broadcast topic and ride-posted jobs on the dispatch queue.
package events

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/models"
)

// LocationPing is a raw position report. Lat and Lng are pointers so a
// missing coordinate can be told apart from the equator or the meridian.
type LocationPing struct {
	DriverID  string    `json:"driver_id"`
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func (p LocationPing) Coord() models.Coord {
	var c models.Coord
	if p.Lat != nil {
		c.Lat = *p.Lat
	}
	if p.Lng != nil {
		c.Lng = *p.Lng
	}
	return c
}

func NewPing(driverID string, lat, lng float64, at time.Time) LocationPing {
	return LocationPing{DriverID: driverID, Lat: &lat, Lng: &lng, Timestamp: at}
}

type RidePosted struct {
	RideID       string              `json:"ride_id"`
	PostedBy     string              `json:"posted_by,omitempty"`
	Pickup       models.Coord        `json:"pickup"`
	Drop         models.Coord        `json:"drop"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	PickupAt     time.Time           `json:"pickup_at"`
	TotalAmount  decimal.Decimal     `json:"total_amount"`
	PostedAt     time.Time           `json:"posted_at"`
}

func RidePostedFrom(r *models.RideRequest, at time.Time) RidePosted {
	return RidePosted{
		RideID:       r.ID,
		PostedBy:     r.PostedBy,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		VehicleClass: r.VehicleClass,
		PickupAt:     r.PickupAt,
		TotalAmount:  r.TotalAmount,
		PostedAt:     at,
	}
}

func Encode(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func Decode(b []byte, v any) error {
	if err := sonic.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
