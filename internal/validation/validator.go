// Package validation composes the IP-prefix check and the campus geofence
// check into the single session-eligibility predicate. Both factors are
// required; neither alone ever authorizes a session.
package validation

import (
	"strings"

	"github.com/campusnet/attendance-agent/internal/config"
	"github.com/campusnet/attendance-agent/internal/connectivity"
	"github.com/campusnet/attendance-agent/internal/geo"
	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/pkg/metrics"
)

// Result is the dual-factor validation outcome.
type Result struct {
	IPValid        bool    `json:"ip_valid"`
	LocationValid  bool    `json:"location_valid"`
	DistanceMeters float64 `json:"distance_meters"`
	CampusID       string  `json:"campus_id,omitempty"`
}

// Eligible reports whether a session may exist: both factors must hold.
func (r Result) Eligible() bool {
	return r.IPValid && r.LocationValid
}

// Validator checks network state and position against the campus registry.
type Validator struct {
	campuses []config.Campus
}

// New creates a dual validator over the configured campuses.
func New(campuses []config.Campus) *Validator {
	return &Validator{campuses: campuses}
}

// Validate evaluates the dual predicate. A missing position fix fails closed:
// locationValid is false regardless of the IP factor. Only a connected wifi
// state can satisfy the IP factor.
func (v *Validator) Validate(state connectivity.State, pos *models.GeoPoint) Result {
	var res Result

	var campus *config.Campus
	if state.Connected && state.Type == connectivity.TypeWifi && state.IPAddress != "" {
		campus = v.matchCampus(state.IPAddress)
	}
	if campus != nil {
		res.IPValid = true
		res.CampusID = campus.ID
	}

	// Geofence against the prefix-matched campus, or the nearest campus when
	// no prefix matched so the distance is still reportable.
	fenceCampus := campus
	if fenceCampus == nil {
		fenceCampus = v.nearestCampus(pos)
	}
	if fenceCampus != nil && pos != nil {
		fence := geo.Geofence{
			Latitude:  fenceCampus.Latitude,
			Longitude: fenceCampus.Longitude,
			RadiusM:   fenceCampus.RadiusM,
		}
		res.LocationValid, res.DistanceMeters = fence.Contains(pos)
	}

	metrics.ValidationChecksTotal.WithLabelValues(outcomeLabel(res)).Inc()
	return res
}

// matchCampus returns the campus whose prefix equals the first two
// dotted-decimal octets of ip.
func (v *Validator) matchCampus(ip string) *config.Campus {
	parts := strings.Split(ip, ".")
	if len(parts) < 2 {
		return nil
	}
	prefix := parts[0] + "." + parts[1]
	for i := range v.campuses {
		if strings.EqualFold(v.campuses[i].IPPrefix, prefix) {
			return &v.campuses[i]
		}
	}
	return nil
}

func (v *Validator) nearestCampus(pos *models.GeoPoint) *config.Campus {
	if pos == nil || len(v.campuses) == 0 {
		return nil
	}
	best := &v.campuses[0]
	bestDist := geo.HaversineMeters(best.Latitude, best.Longitude, pos.Latitude, pos.Longitude)
	for i := 1; i < len(v.campuses); i++ {
		c := &v.campuses[i]
		d := geo.HaversineMeters(c.Latitude, c.Longitude, pos.Latitude, pos.Longitude)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func outcomeLabel(r Result) string {
	switch {
	case r.IPValid && r.LocationValid:
		return "eligible"
	case r.IPValid:
		return "ip_only"
	case r.LocationValid:
		return "location_only"
	default:
		return "neither"
	}
}
