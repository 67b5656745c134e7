package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-broker/internal/observability"
)

// RouterConfig configures the middleware on the /binder routes. A nil Limiter disables rate
// limiting; a zero RequestTimeout disables the per-request deadline.
type RouterConfig struct {
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires the node transport, health and metrics endpoints.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	binderRouter := router.PathPrefix("/binder").Subrouter()
	binderRouter.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		binderRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	binderRouter.HandleFunc("/{id}", h.Transact).Methods("POST")
	return router
}
