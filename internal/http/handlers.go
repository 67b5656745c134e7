package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/lifecycle"
	"github.com/kjstillabower/weather-broker/internal/observability"
	"github.com/kjstillabower/weather-broker/internal/traffic"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	// CachePing, when set, is called to check that the cache store is reachable.
	CachePing func() error
}

// Handler serves the broker transport and health endpoints of one node.
type Handler struct {
	node             *broker.Node
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler for node. healthConfig may be nil.
func NewHandler(node *broker.Node, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		node:         node,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// Transact handles POST /binder/{id}: one envelope in, and for two-way calls one envelope out.
// Accepted one-way calls get 202 with no body.
func (h *Handler) Transact(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFrom(r.Context(), h.logger)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != broker.ContentType {
			writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "expected "+broker.ContentType)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, broker.MaxEnvelopeBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "ENVELOPE_TOO_LARGE", "envelope exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, broker.CodeMalformedParcel, "unable to read envelope")
		return
	}

	id := mux.Vars(r)["id"]
	reply, oneway, err := h.node.ServeEnvelope(r.Context(), id, body)
	if err != nil {
		writeBrokerError(w, r, logger, id, err)
		return
	}
	if oneway {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", broker.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// writeBrokerError maps a dispatch error onto the JSON error body.
func writeBrokerError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, id string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "call did not complete in time")
		logger.Warn("transaction timed out", zap.String("binder", id))
		return
	}
	code, status := broker.ErrorCode(err)
	writeError(w, r, status, code, err.Error())
	if status >= http.StatusInternalServerError {
		logger.Error("transaction failed", zap.String("binder", id), zap.Error(err))
		return
	}
	logger.Debug("transaction rejected", zap.String("binder", id), zap.String("code", code), zap.Error(err))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-broker",
		"version":   "dev",
		"endpoint":  h.node.Endpoint(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.IdleWindow > 0 && cfg.MinimumLifespan > 0 && lifecycle.Uptime() >= cfg.MinimumLifespan {
		threshold := float64(cfg.IdleThresholdReqPerMin) * cfg.IdleWindow.Minutes()
		if float64(traffic.RequestCount(cfg.IdleWindow)) < threshold {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body broker.ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RequestID = observability.CorrelationID(r.Context())
	writeJSON(w, status, body)
}
