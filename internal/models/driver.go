package models

import "time"

type PushProvider string

const (
	PushFCM      PushProvider = "fcm"
	PushWS       PushProvider = "ws"
	PushTelegram PushProvider = "telegram"
)

type Driver struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	PushToken       string         `json:"push_token,omitempty"`
	PushProvider    PushProvider   `json:"push_provider,omitempty"`
	SearchRadiusKm  float64        `json:"search_radius_km"`
	VehicleClass    VehicleClass   `json:"vehicle_class,omitempty"`
	AcceptedClasses []VehicleClass `json:"accepted_classes,omitempty"`
	Online          bool           `json:"online"`
	Active          bool           `json:"active"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AcceptedSet is the current vehicle's class unioned with any explicitly
// enabled classes, in a stable order.
func (d *Driver) AcceptedSet() []VehicleClass {
	out := make([]VehicleClass, 0, len(d.AcceptedClasses)+1)
	seen := make(map[VehicleClass]bool, len(d.AcceptedClasses)+1)
	add := func(c VehicleClass) {
		if c == "" || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}
	add(d.VehicleClass)
	for _, c := range d.AcceptedClasses {
		add(c)
	}
	return out
}

func (d *Driver) Accepts(c VehicleClass) bool {
	for _, a := range d.AcceptedSet() {
		if a == c {
			return true
		}
	}
	return false
}
