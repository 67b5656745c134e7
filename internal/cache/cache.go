package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/observability"
)

// RefreshWindow is how long a fetched record stays usable.
const RefreshWindow = 10 * time.Second

// ErrCacheCorruption is returned by a Store whose persisted entry cannot be decoded.
var ErrCacheCorruption = errors.New("cache entry corrupt")

// Entry is the one record the cache holds, with the location it was fetched for.
type Entry struct {
	Location  string
	Record    models.WeatherRecord
	FetchedAt time.Time
}

// Store persists the single cache entry. Load returns ok=false when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
}

// ResultCache holds the most recently fetched record. An entry is served only for the exact
// location it was fetched for and only while it is younger than the refresh window. Every Put
// replaces the entry, whatever its location.
type ResultCache struct {
	store  Store
	window time.Duration
	now    func() time.Time

	mu sync.Mutex
}

// NewResultCache returns a cache over store. window <= 0 uses RefreshWindow.
func NewResultCache(store Store, window time.Duration) *ResultCache {
	if window <= 0 {
		window = RefreshWindow
	}
	return &ResultCache{store: store, window: window, now: time.Now}
}

// Window returns the freshness window.
func (c *ResultCache) Window() time.Duration { return c.window }

// Get returns the cached entry when it is usable for location. A corrupt stored entry is a miss.
func (c *ResultCache) Get(ctx context.Context, location string) (Entry, bool, error) {
	c.mu.Lock()
	e, ok, err := c.store.Load(ctx)
	c.mu.Unlock()

	switch {
	case errors.Is(err, ErrCacheCorruption):
		observability.CacheLookupsTotal.WithLabelValues("corrupt").Inc()
		return Entry{}, false, nil
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("load").Inc()
		return Entry{}, false, fmt.Errorf("load cache entry: %w", err)
	case !ok:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return Entry{}, false, nil
	case e.Location != location:
		observability.CacheLookupsTotal.WithLabelValues("mismatch").Inc()
		return Entry{}, false, nil
	case c.now().Sub(e.FetchedAt) >= c.window:
		observability.CacheLookupsTotal.WithLabelValues("stale").Inc()
		return Entry{}, false, nil
	}
	observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return e, true, nil
}

// Put replaces the cached entry.
func (c *ResultCache) Put(ctx context.Context, location string, rec models.WeatherRecord, fetchedAt time.Time) error {
	c.mu.Lock()
	err := c.store.Save(ctx, Entry{Location: location, Record: rec, FetchedAt: fetchedAt})
	c.mu.Unlock()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}
