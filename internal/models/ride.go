package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type VehicleClass string

type RideStatus string

const (
	StatusSearching         RideStatus = "searching"
	StatusDriverAssigned    RideStatus = "driver_assigned"
	StatusDriverArrived     RideStatus = "driver_arrived"
	StatusTripStarted       RideStatus = "trip_started"
	StatusTripCompleted     RideStatus = "trip_completed"
	StatusCancelledByUser   RideStatus = "cancelled_by_user"
	StatusCancelledByDriver RideStatus = "cancelled_by_driver"
	StatusCancelledBySystem RideStatus = "cancelled_by_system"
	StatusNoDriverFound     RideStatus = "no_driver_found"
)

// ActiveStatuses are the states in which a driver is bound to a ride.
var ActiveStatuses = []RideStatus{StatusDriverAssigned, StatusDriverArrived, StatusTripStarted}

// OpenStatuses are all non-terminal states.
var OpenStatuses = []RideStatus{StatusSearching, StatusDriverAssigned, StatusDriverArrived, StatusTripStarted}

func (s RideStatus) Terminal() bool {
	switch s {
	case StatusTripCompleted, StatusCancelledByUser, StatusCancelledByDriver, StatusCancelledBySystem, StatusNoDriverFound:
		return true
	}
	return false
}

func (s RideStatus) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// RideRequest is a trip either posted by a driver for others to pick up or
// created on behalf of a customer.
type RideRequest struct {
	ID           string       `json:"id"`
	PostedBy     string       `json:"posted_by,omitempty"`
	CustomerID   string       `json:"customer_id,omitempty"`
	Pickup       Coord        `json:"pickup"`
	Drop         Coord        `json:"drop"`
	Stops        []Coord      `json:"stops,omitempty"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	PickupAt     time.Time    `json:"pickup_at"`

	TotalAmount        decimal.Decimal `json:"total_amount"`
	DriverEarning      decimal.Decimal `json:"driver_earning"`
	CommissionAmount   decimal.Decimal `json:"commission_amount"`
	ExtraFare          decimal.Decimal `json:"extra_fare"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	CancellationCharge decimal.Decimal `json:"cancellation_charge"`

	Status       RideStatus `json:"status"`
	DriverID     string     `json:"driver_id,omitempty"`
	StartOTP     string     `json:"-"`
	EndOTP       string     `json:"-"`
	OTPVerified  bool       `json:"otp_verified"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Normalize re-derives the driver earning from the total and commission.
// Every write path calls it so the two can never drift.
func (r *RideRequest) Normalize() {
	r.DriverEarning = r.TotalAmount.Sub(r.CommissionAmount)
}

func (r *RideRequest) AssignedTo(driverID string) bool {
	return r.DriverID != "" && r.DriverID == driverID
}
