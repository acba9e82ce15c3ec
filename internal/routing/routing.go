package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

var ErrNoRoute = errors.New("routing: no route found")

// Route is a driving route between two points.
type Route struct {
	DistanceMeters  float64        `json:"distanceMeters"`
	DurationSeconds float64        `json:"durationSeconds"`
	Path            []models.Coord `json:"path,omitempty"`
}

func (r Route) DistanceKm() float64 { return r.DistanceMeters / 1000 }

// Client is implemented by every routing provider.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a provider with a Cache. Errors are never cached.
type Cached struct {
	Client Client
	Cache  *Cache
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return r, nil
	}
	start := time.Now()
	r, err := c.Client.Route(ctx, from, to)
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(from, to, r)
	return r, nil
}
