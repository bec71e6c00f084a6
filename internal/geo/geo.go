package geo

import (
	"math"

	"github.com/example/ride-escrow/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func DistanceM(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

func DistanceKm(a, b models.Coord) float64 {
	return DistanceM(a, b) / 1000
}

// Box is a lat/lng aligned rectangle.
type Box struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

// BoundingBox returns a box that contains every point within radiusKm of c.
// It over-covers near the poles, which is fine for a prefilter.
func BoundingBox(c models.Coord, radiusKm float64) Box {
	dLat := radiusKm / 111.32
	cos := math.Cos(c.Lat * math.Pi / 180)
	dLng := 180.0
	if cos > 1e-6 {
		dLng = math.Min(180, radiusKm/(111.32*cos))
	}
	return Box{
		MinLat: math.Max(-90, c.Lat-dLat),
		MaxLat: math.Min(90, c.Lat+dLat),
		MinLng: c.Lng - dLng,
		MaxLng: c.Lng + dLng,
	}
}

// LngRanges splits the longitude span into ranges within [-180, 180]. A box
// crossing the antimeridian yields two.
func (b Box) LngRanges() [][2]float64 {
	switch {
	case b.MaxLng-b.MinLng >= 360:
		return [][2]float64{{-180, 180}}
	case b.MinLng < -180:
		return [][2]float64{{b.MinLng + 360, 180}, {-180, b.MaxLng}}
	case b.MaxLng > 180:
		return [][2]float64{{b.MinLng, 180}, {-180, b.MaxLng - 360}}
	default:
		return [][2]float64{{b.MinLng, b.MaxLng}}
	}
}

// ValidCoord reports whether lat/lng are within WGS84 ranges.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
