package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/cache"
	"github.com/kjstillabower/weather-broker/internal/circuitbreaker"
	"github.com/kjstillabower/weather-broker/internal/client"
	"github.com/kjstillabower/weather-broker/internal/config"
	httphandler "github.com/kjstillabower/weather-broker/internal/http"
	"github.com/kjstillabower/weather-broker/internal/lifecycle"
	"github.com/kjstillabower/weather-broker/internal/observability"
	"github.com/kjstillabower/weather-broker/internal/service"
	"github.com/kjstillabower/weather-broker/internal/weatherrpc"
)

func main() {
	logger, err := observability.NewLogger("weather-broker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	lifecycle.MarkStarted(time.Now())

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        "weather_api",
		IsSuccessful:     client.IsBreakerSuccess,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	fetcher, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, client.Options{
		Timeout:        cfg.WeatherAPITimeout,
		Units:          cfg.WeatherAPIUnits,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        breaker,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	store, cachePing, storeCloser, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}
	resultCache := cache.NewResultCache(store, cfg.CacheRefreshWindow)

	node := broker.NewNode(broker.NodeConfig{
		Endpoint:    cfg.PublicEndpoint,
		PoolSize:    cfg.PoolSize,
		CallTimeout: cfg.CallTimeout,
	}, logger)

	lookup := service.NewLookup(fetcher, resultCache, service.Options{
		LocationMinLen:  cfg.LocationMinLen,
		LocationMaxLen:  cfg.LocationMaxLen,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)
	syncSvc := service.NewSyncWeatherService(lookup, logger)
	asyncSvc := service.NewAsyncWeatherService(lookup, node.Pool(), logger)
	if err := node.Publish(weatherrpc.SyncServiceName, weatherrpc.NewSyncStub(syncSvc)); err != nil {
		logger.Fatal("publish", zap.Error(err))
	}
	if err := node.Publish(weatherrpc.AsyncServiceName, weatherrpc.NewAsyncStub(asyncSvc)); err != nil {
		logger.Fatal("publish", zap.Error(err))
	}

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if cfg.WarmLocation != "" {
		warmer := cache.NewWarmer(fetcher, resultCache, logger)
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, cfg.WarmLocation, cfg.WarmInterval); err != nil && err != context.Canceled {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
		logger.Info("cache warming enabled", zap.String("location", cfg.WarmLocation), zap.Duration("interval", cfg.WarmInterval))
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		CachePing:              cachePing,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(node, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("endpoint", cfg.PublicEndpoint),
			zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	// Queued async lookups still deliver their callbacks before the store goes away.
	if err := node.Close(shutdownCtx); err != nil {
		logger.Warn("worker pool not drained", zap.Error(err))
	}

	if storeCloser != nil {
		if err := storeCloser.Close(); err != nil {
			logger.Error("cache store close", zap.Error(err))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore builds the configured cache backend. ping and closer are nil for the memory store.
func openStore(cfg *config.Config, logger *zap.Logger) (cache.Store, func() error, io.Closer, error) {
	switch cfg.CacheBackend {
	case config.BackendMemory:
		logger.Info("cache backend: memory")
		return cache.NewMemoryStore(), nil, nil, nil
	case config.BackendMemcached:
		mc := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err := mc.Ping(); err != nil {
			logger.Warn("memcached not reachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc, nil
	case config.BackendRedis:
		rs := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(); err != nil {
			logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return rs, rs.Ping, rs, nil
	default:
		st, err := cache.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
		return st, st.Ping, st, nil
	}
}
