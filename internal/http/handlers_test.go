package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/lifecycle"
	"github.com/kjstillabower/weather-broker/internal/traffic"
)

// newTestHandler returns a handler over an in-process node hosting one echo stub as "echo".
func newTestHandler(t *testing.T, healthConfig *HealthConfig, logger *zap.Logger) (*Handler, *broker.Node) {
	t.Helper()
	node := broker.NewNode(broker.NodeConfig{PoolSize: 2}, logger)
	stub := broker.NewStub("test.Echo")
	stub.Handle(broker.FirstCallTransaction, func(ctx context.Context, data, reply *broker.Parcel) error {
		s, err := data.ReadString()
		if err != nil {
			return err
		}
		reply.WriteString(s)
		return nil
	})
	if err := node.Publish("echo", stub); err != nil {
		t.Fatalf("Publish() err = %v", err)
	}
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return NewHandler(node, healthConfig, logger), node
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) broker.ErrorBody {
	t.Helper()
	var body broker.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// TestHandler_Transact_Rejections verifies the status and stable code for requests that never
// reach a handler.
func TestHandler_Transact_Rejections(t *testing.T) {
	h, _ := newTestHandler(t, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{}, zap.NewNop())

	tests := []struct {
		name        string
		path        string
		contentType string
		body        []byte
		wantStatus  int
		wantCode    string
	}{
		{"unknown binder", "/binder/nope", broker.ContentType, nil, http.StatusNotFound, broker.CodeUnknownBinder},
		{"garbage envelope", "/binder/echo", broker.ContentType, []byte{0xff, 0xff, 0xff}, http.StatusBadRequest, broker.CodeMalformedParcel},
		{"wrong content type", "/binder/echo", "application/json", []byte("{}"), http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"oversized", "/binder/echo", broker.ContentType, bytes.Repeat([]byte{0}, broker.MaxEnvelopeBytes+1), http.StatusRequestEntityTooLarge, "ENVELOPE_TOO_LARGE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tc.path, bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			req.Header.Set("X-Correlation-ID", "req-1")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
			body := decodeErrorBody(t, w)
			if body.Error.Code != tc.wantCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tc.wantCode)
			}
			if body.Error.RequestID != "req-1" {
				t.Errorf("error.requestId = %q, want req-1", body.Error.RequestID)
			}
		})
	}
}

// TestHandler_Transact_MethodNotAllowed verifies that only POST reaches the transport.
func TestHandler_Transact_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/binder/echo", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// TestHandler_Transact_RoundTrip verifies a two-way call through a real HTTP server using a
// remote binder on a second node.
func TestHandler_Transact_RoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, nil, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second}, zap.NewNop()))
	defer srv.Close()

	caller := broker.NewNode(broker.NodeConfig{}, nil)
	defer caller.Close(context.Background())
	b, err := caller.Connect(context.Background(), srv.URL, "echo", "test.Echo")
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}

	data := broker.NewParcel()
	data.WriteInterfaceToken("test.Echo")
	data.WriteString("Paris")
	reply, err := b.Transact(context.Background(), broker.FirstCallTransaction, data, 0)
	if err != nil {
		t.Fatalf("Transact() err = %v", err)
	}
	if got, _ := reply.ReadString(); got != "Paris" {
		t.Errorf("reply = %q, want Paris", got)
	}

	// A wrong token is rejected by the far node and reported as the same sentinel here.
	bad := broker.NewParcel()
	bad.WriteInterfaceToken("test.Other")
	bad.WriteString("Paris")
	if _, err := b.Transact(context.Background(), broker.FirstCallTransaction, bad, 0); !errors.Is(err, broker.ErrInterfaceMismatch) {
		t.Errorf("Transact(wrong token) err = %v, want ErrInterfaceMismatch", err)
	}
}

// TestHandler_Transact_Timeout verifies that a two-way call outliving the request deadline
// is answered with 504.
func TestHandler_Transact_Timeout(t *testing.T) {
	node := broker.NewNode(broker.NodeConfig{}, nil)
	defer node.Close(context.Background())
	release := make(chan struct{})
	defer close(release)
	stub := broker.NewStub("test.Slow")
	stub.Handle(broker.FirstCallTransaction, func(ctx context.Context, data, reply *broker.Parcel) error {
		<-release
		return nil
	})
	if err := node.Publish("slow", stub); err != nil {
		t.Fatalf("Publish() err = %v", err)
	}
	srv := httptest.NewServer(NewRouter(NewHandler(node, nil, nil), RouterConfig{RequestTimeout: 50 * time.Millisecond}, zap.NewNop()))
	defer srv.Close()

	caller := broker.NewNode(broker.NodeConfig{}, nil)
	defer caller.Close(context.Background())
	b, err := caller.Connect(context.Background(), srv.URL, "slow", "test.Slow")
	if err != nil {
		t.Fatalf("Connect() err = %v", err)
	}
	data := broker.NewParcel()
	data.WriteInterfaceToken("test.Slow")
	_, err = b.Transact(context.Background(), broker.FirstCallTransaction, data, 0)
	if !errors.Is(err, broker.ErrRemoteFailure) || !strings.Contains(err.Error(), "in time") {
		t.Errorf("Transact() err = %v, want remote failure for timeout", err)
	}
}

func resetHealthState(t *testing.T) {
	t.Helper()
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	lifecycle.MarkStarted(time.Now())
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		lifecycle.MarkStarted(time.Now())
	})
}

func getHealth(t *testing.T, h *Handler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

// TestHandler_GetHealth verifies the status chosen for each lifecycle condition, in priority order.
func TestHandler_GetHealth(t *testing.T) {
	base := HealthConfig{
		OverloadWindow:         time.Minute,
		OverloadThresholdPct:   80,
		RateLimitRPS:           1, // threshold 48 requests per minute
		DegradedWindow:         time.Minute,
		DegradedErrorPct:       50,
		IdleWindow:             time.Minute,
		IdleThresholdReqPerMin: 2,
		MinimumLifespan:        time.Minute,
	}
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
		wantCode   int
	}{
		{"healthy", func() { traffic.RecordSuccess(); traffic.RecordSuccess() }, "healthy", http.StatusOK},
		{"shutting down wins", func() {
			lifecycle.SetShuttingDown(true)
			for i := 0; i < 60; i++ {
				traffic.RecordDenied()
			}
		}, "shutting-down", http.StatusServiceUnavailable},
		{"overloaded", func() {
			for i := 0; i < 60; i++ {
				traffic.RecordDenied()
			}
		}, "overloaded", http.StatusServiceUnavailable},
		{"idle after minimum lifespan", func() {
			lifecycle.MarkStarted(time.Now().Add(-time.Hour))
			traffic.RecordSuccess()
		}, "idle", http.StatusOK},
		{"not idle before minimum lifespan", func() { traffic.RecordSuccess() }, "healthy", http.StatusOK},
		{"degraded", func() {
			traffic.RecordSuccess()
			traffic.RecordError()
			traffic.RecordError()
		}, "degraded", http.StatusServiceUnavailable},
		{"below error threshold", func() {
			traffic.RecordSuccess()
			traffic.RecordSuccess()
			traffic.RecordError()
		}, "healthy", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetHealthState(t)
			cfg := base
			h, _ := newTestHandler(t, &cfg, zap.NewNop())
			tc.setup()

			code, body := getHealth(t, h)
			if code != tc.wantCode {
				t.Errorf("status code = %d, want %d", code, tc.wantCode)
			}
			if body["status"] != tc.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tc.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_CacheCheck(t *testing.T) {
	resetHealthState(t)
	h, _ := newTestHandler(t, &HealthConfig{CachePing: func() error { return errors.New("down") }}, zap.NewNop())

	_, body := getHealth(t, h)
	checks, _ := body["checks"].(map[string]interface{})
	if checks["cache"] != "unhealthy" {
		t.Errorf("checks.cache = %v, want unhealthy", checks["cache"])
	}
	if body["service"] != "weather-broker" {
		t.Errorf("service = %v, want weather-broker", body["service"])
	}
}

// TestHandler_GetHealth_LogsTransition verifies that a status change is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetHealthState(t)
	core, logs := observer.New(zapcore.InfoLevel)
	h, _ := newTestHandler(t, nil, zap.New(core))

	getHealth(t, h)
	lifecycle.SetShuttingDown(true)
	getHealth(t, h)
	getHealth(t, h)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}
