package match

import (
	"context"
	"math"
	"sort"

	"github.com/example/delivery-dispatch/internal/models"
)

// DriverDirectory is the read-only driver lookup the matcher depends on.
// Implementations filter to available drivers within the given radius.
type DriverDirectory interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Driver, error)
}

// SearchStep is one attempt of the widening candidate search.
type SearchStep struct {
	RadiusKm   float64 `yaml:"radius_km"`
	MaxResults int     `yaml:"max_results"`
}

// Policy describes how far to widen the search before giving up.
type Policy struct {
	Steps []SearchStep `yaml:"steps"`
}

// DefaultPolicy widens the search exactly once: 5km for up to 5 drivers,
// then 10km for up to 3. Callers elsewhere in the system depend on this
// shape, so changes here are behavioral changes for clients too.
func DefaultPolicy() Policy {
	return Policy{Steps: []SearchStep{
		{RadiusKm: 5.0, MaxResults: 5},
		{RadiusKm: 10.0, MaxResults: 3},
	}}
}

// Haversine returns the great-circle distance between two points in km
// (full precision; round only for display or persistence).
func Haversine(a, b models.Coord) float64 {
	const R = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// Round2 rounds to two decimals, the precision persisted on offers.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Score rates a driver 0..100 for an order at the given distance:
// 40% proximity (saturates to zero beyond 10km), 30% rating (0-5 scale
// mapped to 0-100), 20% experience (capped at 100 deliveries), plus a
// constant 10% availability bonus since every candidate is available.
func Score(d models.Driver, distanceKm float64) float64 {
	proximity := math.Max(0, (10-distanceKm)*10) * 0.4
	rating := (d.RatingAverage * 20) * 0.3
	experience := math.Min(float64(d.CompletedDeliveries), 100) * 0.2
	const availabilityBonus = 10 * 0.1
	return Round2(proximity + rating + experience + availabilityBonus)
}

// Rank filters drivers to available ones within radiusKm of origin, scores
// each and returns at most maxResults candidates, best first. Ties break by
// ascending distance, then driver id, so the ordering is deterministic.
func Rank(origin models.Coord, drivers []models.Driver, radiusKm float64, maxResults int) []models.Candidate {
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Available || d.Loc.IsZero() {
			continue
		}
		dist := Haversine(origin, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.Candidate{Driver: d, DistanceKm: dist, Score: Score(d, dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// Matcher runs the widening candidate search against a driver directory.
type Matcher struct {
	Directory DriverDirectory
	Policy    Policy
}

func New(dir DriverDirectory, p Policy) *Matcher {
	if len(p.Steps) == 0 {
		p = DefaultPolicy()
	}
	return &Matcher{Directory: dir, Policy: p}
}

// FindCandidates tries each policy step in order and returns the first
// non-empty ranking. An empty result means no drivers are available.
func (m *Matcher) FindCandidates(ctx context.Context, origin models.Coord) ([]models.Candidate, error) {
	for _, step := range m.Policy.Steps {
		drivers, err := m.Directory.Nearby(ctx, origin.Lat, origin.Lng, step.RadiusKm)
		if err != nil {
			return nil, err
		}
		if cands := Rank(origin, drivers, step.RadiusKm, step.MaxResults); len(cands) > 0 {
			return cands, nil
		}
	}
	return nil, nil
}
