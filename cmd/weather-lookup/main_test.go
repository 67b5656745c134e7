package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/cache"
	"github.com/kjstillabower/weather-broker/internal/client"
	httphandler "github.com/kjstillabower/weather-broker/internal/http"
	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/service"
	"github.com/kjstillabower/weather-broker/internal/weatherrpc"
)

var paris = models.WeatherRecord{Name: "Paris", WindSpeed: 5.1, WindDeg: 240, Temperature: 16.2, Humidity: 81, Sunrise: 1700000000, Sunset: 1700036000}

type parisOnly struct{}

func (parisOnly) Fetch(ctx context.Context, location string) (models.WeatherRecord, error) {
	if location == "Paris" {
		return paris, nil
	}
	return models.WeatherRecord{}, fmt.Errorf("%w: %s", client.ErrLocationNotFound, location)
}

// startBroker runs a broker node with both weather services behind an httptest server.
func startBroker(t *testing.T) string {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	endpoint := "http://" + srv.Listener.Addr().String()

	node := broker.NewNode(broker.NodeConfig{Endpoint: endpoint, PoolSize: 4, CallTimeout: 5 * time.Second}, zap.NewNop())
	lookup := service.NewLookup(parisOnly{}, cache.NewResultCache(cache.NewMemoryStore(), 10*time.Second),
		service.Options{LocationMinLen: 1, LocationMaxLen: 100}, zap.NewNop())
	if err := node.Publish(weatherrpc.SyncServiceName, weatherrpc.NewSyncStub(service.NewSyncWeatherService(lookup, nil))); err != nil {
		t.Fatalf("Publish(sync) err = %v", err)
	}
	if err := node.Publish(weatherrpc.AsyncServiceName, weatherrpc.NewAsyncStub(service.NewAsyncWeatherService(lookup, node.Pool(), nil))); err != nil {
		t.Fatalf("Publish(async) err = %v", err)
	}

	srv.Config.Handler = httphandler.NewRouter(httphandler.NewHandler(node, nil, nil), httphandler.RouterConfig{}, zap.NewNop())
	srv.Start()
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return endpoint
}

func TestRun(t *testing.T) {
	endpoint := startBroker(t)

	tests := []struct {
		mode string
		want []string
	}{
		{modeSync, []string{
			"[sync]  " + paris.String(),
			"[sync]  no weather data for Atlantis found",
		}},
		{modeAsync, []string{
			"[async] " + paris.String(),
			"[async] Atlantis: " + weatherrpc.InvalidLocationReason,
		}},
		{modeBoth, []string{
			"[sync]  " + paris.String(),
			"[sync]  no weather data for Atlantis found",
			"[async] " + paris.String(),
			"[async] Atlantis: " + weatherrpc.InvalidLocationReason,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.mode, func(t *testing.T) {
			var out bytes.Buffer
			opts := options{endpoint: endpoint, mode: tc.mode, listen: "127.0.0.1:0", timeout: 5 * time.Second}
			if err := run(opts, []string{"Paris", "Atlantis"}, &out, zap.NewNop()); err != nil {
				t.Fatalf("run() err = %v", err)
			}
			got := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(got) != len(tc.want) {
				t.Fatalf("output lines = %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestRun_BrokerUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	endpoint := srv.URL
	srv.Close()

	opts := options{endpoint: endpoint, mode: modeSync, listen: "127.0.0.1:0", timeout: 2 * time.Second}
	if err := run(opts, []string{"Paris"}, &bytes.Buffer{}, zap.NewNop()); err == nil {
		t.Fatal("run() err = nil, want bind failure")
	}
}
