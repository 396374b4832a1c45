package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/delivery-dispatch/internal/match"
)

// LoadPolicy reads a search-policy override from a YAML file:
//
//	steps:
//	  - radius_km: 5.0
//	    max_results: 5
//	  - radius_km: 10.0
//	    max_results: 3
//
// An empty path returns the default policy.
func LoadPolicy(path string) (match.Policy, error) {
	if path == "" {
		return match.DefaultPolicy(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return match.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p match.Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return match.Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if len(p.Steps) == 0 {
		return match.Policy{}, fmt.Errorf("policy file %s has no steps", path)
	}
	for i, s := range p.Steps {
		if s.RadiusKm <= 0 || s.MaxResults <= 0 {
			return match.Policy{}, fmt.Errorf("policy step %d: radius_km and max_results must be > 0", i)
		}
	}
	return p, nil
}
