package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/cache"
	"github.com/kjstillabower/weather-broker/internal/client"
	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/observability"
	"github.com/kjstillabower/weather-broker/internal/traffic"
	"github.com/kjstillabower/weather-broker/internal/validation"
	"github.com/kjstillabower/weather-broker/internal/weatherrpc"
)

// Options configures a Lookup. Zero values disable the location length bounds and coalescing.
type Options struct {
	LocationMinLen  int
	LocationMaxLen  int
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
}

// Lookup is the cache-or-fetch step shared by both lookup conventions. A fresh cache entry for
// the exact location is returned without touching the network; otherwise the record is fetched
// and written through with the current time.
type Lookup struct {
	fetcher         client.Fetcher
	cache           *cache.ResultCache
	opts            Options
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if disabled
	now             func() time.Time
	logger          *zap.Logger
}

// NewLookup creates a Lookup over fetcher and resultCache.
func NewLookup(fetcher client.Fetcher, resultCache *cache.ResultCache, opts Options, logger *zap.Logger) *Lookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	var coalescer *requestCoalescer
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &Lookup{
		fetcher:         fetcher,
		cache:           resultCache,
		opts:            opts,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
		now:             time.Now,
		logger:          logger,
	}
}

// Get returns the current weather for location. The location is used byte for byte as the
// cache key and the upstream query. Errors wrap validation.ErrInvalidLocation,
// client.ErrLocationNotFound or a transport failure from the fetcher.
func (l *Lookup) Get(ctx context.Context, location string) (models.WeatherRecord, error) {
	rec, err := l.get(ctx, location)
	if isTransportFailure(err) {
		traffic.RecordError()
	} else {
		traffic.RecordSuccess()
	}
	return rec, err
}

func (l *Lookup) get(ctx context.Context, location string) (models.WeatherRecord, error) {
	logger := observability.LoggerFrom(ctx, l.logger)
	start := time.Now()

	if err := validation.ValidateLocation(location, l.opts.LocationMinLen, l.opts.LocationMaxLen); err != nil {
		return models.WeatherRecord{}, fmt.Errorf("lookup %q: %w", location, err)
	}

	entry, ok, err := l.cache.Get(ctx, location)
	if err != nil {
		logger.Warn("cache load failed, fetching upstream", zap.String("location", location), zap.Error(err))
	} else if ok {
		logger.Debug("weather served",
			zap.String("location", location),
			zap.Bool("cached", true),
			zap.Duration("duration", time.Since(start)))
		return entry.Record, nil
	}

	if concurrent := l.stampedeTracker.RecordMiss(location); concurrent > 1 {
		observability.ConcurrentMissesTotal.Inc()
	}
	defer l.stampedeTracker.RecordHit(location)

	var rec models.WeatherRecord
	if l.coalescer != nil {
		// The shared fetch outlives any one waiter, so it must not inherit a waiter's cancellation.
		detached := context.WithoutCancel(ctx)
		rec, err = l.coalescer.Do(ctx, location, func() (models.WeatherRecord, error) {
			return l.fetchAndStore(detached, location)
		})
	} else {
		rec, err = l.fetchAndStore(ctx, location)
	}
	if err != nil {
		return models.WeatherRecord{}, fmt.Errorf("lookup %q: %w", location, err)
	}
	logger.Debug("weather served",
		zap.String("location", location),
		zap.Bool("cached", false),
		zap.Duration("duration", time.Since(start)))
	return rec, nil
}

// fetchAndStore fetches location and writes the record through. A failed cache write is logged;
// the fetched record is still returned.
func (l *Lookup) fetchAndStore(ctx context.Context, location string) (models.WeatherRecord, error) {
	rec, err := l.fetcher.Fetch(ctx, location)
	if err != nil {
		return models.WeatherRecord{}, err
	}
	if err := l.cache.Put(ctx, location, rec, l.now()); err != nil {
		observability.LoggerFrom(ctx, l.logger).Warn("cache write failed", zap.String("location", location), zap.Error(err))
	}
	return rec, nil
}

// isTransportFailure reports whether err is something other than a bad or unknown location.
func isTransportFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, validation.ErrInvalidLocation) &&
		!errors.Is(err, client.ErrLocationNotFound)
}

// logFailure logs a failed lookup at a level matching its cause.
func logFailure(logger *zap.Logger, location string, err error) {
	fields := []zap.Field{
		zap.String("location", location),
		zap.String("category", string(client.CategorizeError(err))),
		zap.Error(err),
	}
	if isTransportFailure(err) {
		logger.Warn("weather lookup failed", fields...)
		return
	}
	logger.Info("no weather data", fields...)
}

// SyncWeatherService answers lookups on the calling goroutine. Every failure, including an
// unknown location, is reported as an absent record.
type SyncWeatherService struct {
	lookup *Lookup
	logger *zap.Logger
}

// NewSyncWeatherService creates a SyncWeatherService over lookup.
func NewSyncWeatherService(lookup *Lookup, logger *zap.Logger) *SyncWeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncWeatherService{lookup: lookup, logger: logger}
}

// GetCurrentWeather implements weatherrpc.SyncService. It never returns an error.
func (s *SyncWeatherService) GetCurrentWeather(ctx context.Context, location string) (models.WeatherRecord, bool, error) {
	rec, err := s.lookup.Get(ctx, location)
	if err != nil {
		logFailure(observability.LoggerFrom(ctx, s.logger), location, err)
		return models.WeatherRecord{}, false, nil
	}
	return rec, true, nil
}

// AsyncWeatherService runs lookups on a worker pool and reports each outcome to the caller's
// sink exactly once.
type AsyncWeatherService struct {
	lookup *Lookup
	pool   *broker.Pool
	logger *zap.Logger
}

// NewAsyncWeatherService creates an AsyncWeatherService that runs lookups on pool.
func NewAsyncWeatherService(lookup *Lookup, pool *broker.Pool, logger *zap.Logger) *AsyncWeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncWeatherService{lookup: lookup, pool: pool, logger: logger}
}

// GetCurrentWeather implements weatherrpc.AsyncService. It returns as soon as the lookup is
// scheduled; cancelling ctx afterwards does not stop it. The only error is broker.ErrPoolClosed.
func (s *AsyncWeatherService) GetCurrentWeather(ctx context.Context, location string, sink weatherrpc.ResultSink) error {
	detached := context.WithoutCancel(ctx)
	return s.pool.Submit(func() {
		s.complete(detached, location, sink)
	})
}

func (s *AsyncWeatherService) complete(ctx context.Context, location string, sink weatherrpc.ResultSink) {
	logger := observability.LoggerFrom(ctx, s.logger)
	rec, err := s.lookup.Get(ctx, location)
	if err != nil {
		logFailure(logger, location, err)
		err = sink.SendError(ctx, weatherrpc.InvalidLocationReason)
	} else {
		err = sink.SendResult(ctx, rec)
	}
	if err != nil {
		logger.Error("result delivery failed", zap.String("location", location), zap.Error(err))
	}
}
