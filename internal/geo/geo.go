// Package geo provides the device position interface and the great-circle
// distance math behind campus geofencing.
package geo

import (
	"context"
	"math"

	"github.com/campusnet/attendance-agent/internal/models"
)

const earthRadiusM = 6371000.0

// PositionProvider fetches the current device position on demand. A fix may be
// unavailable (permission denied, services disabled); callers must fail closed
// and treat absence as off-campus.
type PositionProvider interface {
	CurrentPosition(ctx context.Context) (*models.GeoPoint, error)
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Geofence is a circular on-site boundary.
type Geofence struct {
	Latitude  float64
	Longitude float64
	RadiusM   float64
}

// Contains reports whether the position lies inside the fence, and the
// distance from the center. A nil position is never inside (fail closed).
func (g Geofence) Contains(pos *models.GeoPoint) (bool, float64) {
	if pos == nil {
		return false, 0
	}
	d := HaversineMeters(g.Latitude, g.Longitude, pos.Latitude, pos.Longitude)
	return d <= g.RadiusM, d
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
