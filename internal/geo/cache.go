package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campusnet/attendance-agent/internal/models"
)

// ErrNoFix is returned when no usable position is available. Callers treat it
// as locationValid=false, never as a fatal error.
var ErrNoFix = errors.New("no position fix available")

// Cache is the production PositionProvider: the UI shell owns the platform
// location APIs and pushes fixes into the agent; the cache serves the latest
// one while it is fresh. An aged-out fix fails closed.
type Cache struct {
	mu     sync.RWMutex
	last   *models.GeoPoint
	maxAge time.Duration

	nowFn func() time.Time
}

// NewCache creates a position cache. maxAge <= 0 defaults to 10 minutes.
func NewCache(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Cache{maxAge: maxAge, nowFn: time.Now}
}

// Update stores a new fix. A fix without a timestamp is stamped on arrival.
func (c *Cache) Update(p models.GeoPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = c.nowFn()
	}
	c.mu.Lock()
	c.last = &p
	c.mu.Unlock()
}

// CurrentPosition returns the latest fresh fix, or ErrNoFix.
func (c *Cache) CurrentPosition(_ context.Context) (*models.GeoPoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil, ErrNoFix
	}
	if c.nowFn().Sub(c.last.Timestamp) > c.maxAge {
		return nil, ErrNoFix
	}
	fix := *c.last
	return &fix, nil
}
