package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/models"
)

func TestPingMissingCoordinateStaysNil(t *testing.T) {
	var p LocationPing
	if err := Decode([]byte(`{"driver_id":"d1","lat":12.5}`), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Lat == nil || *p.Lat != 12.5 {
		t.Fatalf("lat not decoded: %+v", p)
	}
	if p.Lng != nil {
		t.Fatalf("expected nil lng, got %v", *p.Lng)
	}
}

func TestRidePostedCarriesDecimalAmount(t *testing.T) {
	r := &models.RideRequest{ID: "r1", VehicleClass: "sedan", TotalAmount: decimal.RequireFromString("1000.50")}
	b, err := Encode(RidePostedFrom(r, time.Unix(0, 0).UTC()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got RidePosted
	if err := Decode(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.TotalAmount.Equal(r.TotalAmount) || got.RideID != "r1" || got.VehicleClass != "sedan" {
		t.Fatalf("unexpected event: %+v", got)
	}
}
