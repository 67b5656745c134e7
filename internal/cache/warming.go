package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/observability"
)

// WeatherFetcher fetches a fresh record. Used by Warmer to avoid a dependency on the client package.
type WeatherFetcher interface {
	Fetch(ctx context.Context, location string) (models.WeatherRecord, error)
}

// Warmer keeps the cache slot filled for one pinned location.
type Warmer struct {
	fetcher WeatherFetcher
	cache   *ResultCache
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that fetches through fetcher and stores into cache.
func NewWarmer(fetcher WeatherFetcher, cache *ResultCache, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, cache: cache, logger: logger}
}

// Warm fetches location and replaces the cached entry with the result.
func (w *Warmer) Warm(ctx context.Context, location string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	rec, err := w.fetcher.Fetch(ctx, location)
	if err == nil {
		err = w.cache.Put(ctx, location, rec, time.Now())
	}
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("warm %s: %w", location, err)
	}
	w.logger.Debug("cache warmed",
		zap.String("location", location),
		zap.Float64("duration_seconds", time.Since(start).Seconds()))
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, location string, interval time.Duration) error {
	if err := w.Warm(ctx, location); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, location); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
