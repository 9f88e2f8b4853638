package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Campus defines one trusted site: the network prefix its wifi hands out and
// the geofence around its physical location. Both factors must hold for a
// session to exist there.
type Campus struct {
	ID        string  `yaml:"id"`
	IPPrefix  string  `yaml:"ip_prefix"` // first two dotted-decimal octets, e.g. "10.140"
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	RadiusM   float64 `yaml:"radius_m"`
}

type campusFile struct {
	Campuses []Campus `yaml:"campuses"`
}

// LoadCampuses reads the campus definitions YAML file.
func LoadCampuses(path string) ([]Campus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campus file: %w", err)
	}
	var f campusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse campus file: %w", err)
	}
	if len(f.Campuses) == 0 {
		return nil, fmt.Errorf("campus file %s defines no campuses", path)
	}
	for i := range f.Campuses {
		if err := validateCampus(&f.Campuses[i]); err != nil {
			return nil, fmt.Errorf("campus %d: %w", i, err)
		}
	}
	return f.Campuses, nil
}

func validateCampus(c *Campus) error {
	if c.ID == "" {
		return fmt.Errorf("missing id")
	}
	c.IPPrefix = strings.TrimSuffix(strings.TrimSpace(c.IPPrefix), ".")
	if strings.Count(c.IPPrefix, ".") != 1 {
		return fmt.Errorf("ip_prefix %q must be two dotted-decimal octets", c.IPPrefix)
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("invalid center coordinate (%f, %f)", c.Latitude, c.Longitude)
	}
	if c.RadiusM <= 0 {
		return fmt.Errorf("radius_m must be positive")
	}
	return nil
}
