package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// Client is the interface to an external routing engine.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// MinutesPerKm is the naive fallback used when no routing engine is wired:
// roughly urban delivery speed.
const MinutesPerKm = 3.0

// Estimator produces the estimated pickup time shown to drivers in offer
// notifications. Routing failures fall back to the naive estimate, never
// to an error: the estimate is advisory.
type Estimator struct {
	Client Client // optional
	Cache  *Cache // optional
}

// EstimateMinutes returns the estimated minutes for a driver at `from` to
// reach `to`, given the already-computed great-circle distance.
func (e *Estimator) EstimateMinutes(from, to models.Coord, distanceKm float64) int {
	if e != nil && e.Client != nil {
		if e.Cache != nil {
			if v, ok := e.Cache.Get(from, to); ok {
				return int(v / 60)
			}
		}
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return int(v / 60)
		}
	}
	return int(distanceKm * MinutesPerKm)
}

// Cache is a tiny in-memory cache for routing lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
