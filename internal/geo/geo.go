package geo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/models"
)

// Directory is the driver lookup surface the rest of the system uses:
// spatial queries for matching plus keyed access for manual offers.
type Directory interface {
	match.DriverDirectory
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is the in-memory Directory used for local runs and tests.
// It scans all drivers per query; the Redis directory is the indexed path.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	return &d, nil
}

func (g *Index) Nearby(_ context.Context, lat, lng, radiusKm float64) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	origin := models.Coord{Lat: lat, Lng: lng}
	out := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available || d.Loc.IsZero() {
			continue
		}
		if match.Haversine(origin, d.Loc) <= radiusKm {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetAvailable flips a driver's availability without touching its location.
func (g *Index) SetAvailable(_ context.Context, id string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	d.Available = available
	g.drivers[id] = d
	return nil
}
