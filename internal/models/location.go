package models

import "time"

type LocationSource string

const (
	SourceFast    LocationSource = "fast-tier"
	SourceDurable LocationSource = "durable-tier"
)

type LocationRecord struct {
	DriverID  string         `json:"driver_id"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Accuracy  float64        `json:"accuracy"`
	Speed     float64        `json:"speed"`
	Geohash   string         `json:"geohash,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Source    LocationSource `json:"source"`
}

func (l LocationRecord) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }
