package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campusnet/attendance-agent/internal/config"
	"github.com/campusnet/attendance-agent/internal/connectivity"
	"github.com/campusnet/attendance-agent/internal/models"
)

var testCampuses = []config.Campus{
	{ID: "main", IPPrefix: "10.140", Latitude: 52.2297, Longitude: 21.0122, RadiusM: 800},
	{ID: "north", IPPrefix: "10.141", Latitude: 52.2500, Longitude: 21.0000, RadiusM: 400},
}

func onCampusPos() *models.GeoPoint {
	return &models.GeoPoint{Latitude: 52.2298, Longitude: 21.0125}
}

func offCampusPos() *models.GeoPoint {
	return &models.GeoPoint{Latitude: 52.4000, Longitude: 21.2000}
}

func wifi(ip string) connectivity.State {
	return connectivity.State{Type: connectivity.TypeWifi, Connected: true, IPAddress: ip}
}

func TestBothFactorsRequired(t *testing.T) {
	v := New(testCampuses)

	tests := []struct {
		name     string
		state    connectivity.State
		pos      *models.GeoPoint
		eligible bool
	}{
		{"ip and location valid", wifi("10.140.3.7"), onCampusPos(), true},
		{"ip valid, off campus", wifi("10.140.3.7"), offCampusPos(), false},
		{"ip valid, no fix", wifi("10.140.3.7"), nil, false},
		{"foreign ip, on campus", wifi("192.168.1.5"), onCampusPos(), false},
		{"neither", wifi("192.168.1.5"), offCampusPos(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.state, tt.pos)
			assert.Equal(t, tt.eligible, res.Eligible())
		})
	}
}

func TestPrefixMatchesFirstTwoOctets(t *testing.T) {
	v := New(testCampuses)

	res := v.Validate(wifi("10.140.255.1"), onCampusPos())
	assert.True(t, res.IPValid)
	assert.Equal(t, "main", res.CampusID)

	// Third octet must not leak into the prefix comparison.
	res = v.Validate(wifi("10.14.0.1"), onCampusPos())
	assert.False(t, res.IPValid)
}

func TestGeofenceUsesMatchedCampus(t *testing.T) {
	v := New(testCampuses)

	// IP of north campus while standing at main: prefix matches north, so the
	// geofence check runs against north and fails.
	res := v.Validate(wifi("10.141.0.9"), onCampusPos())
	assert.True(t, res.IPValid)
	assert.Equal(t, "north", res.CampusID)
	assert.False(t, res.LocationValid)
	assert.False(t, res.Eligible())
}

func TestNonWifiNeverIPValid(t *testing.T) {
	v := New(testCampuses)

	res := v.Validate(connectivity.State{
		Type: connectivity.TypeCellular, Connected: true, IPAddress: "10.140.3.7",
	}, onCampusPos())
	assert.False(t, res.IPValid)
	assert.False(t, res.Eligible())
}

func TestDisconnectedNeverEligible(t *testing.T) {
	v := New(testCampuses)

	res := v.Validate(connectivity.State{Type: connectivity.TypeNone}, onCampusPos())
	assert.False(t, res.Eligible())
}

func TestDistanceReportedWithoutPrefixMatch(t *testing.T) {
	v := New(testCampuses)

	res := v.Validate(wifi("192.168.1.5"), onCampusPos())
	assert.False(t, res.IPValid)
	assert.True(t, res.LocationValid, "nearest campus still geofences for observability")
	assert.Greater(t, res.DistanceMeters, 0.0)
	assert.False(t, res.Eligible(), "location alone must never authorize a session")
}
