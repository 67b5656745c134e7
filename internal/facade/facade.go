// Package facade is the caller-side entry point: it acquires handles to both weather services
// and exposes one call per convention.
package facade

import (
	"context"
	"fmt"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/weatherrpc"
)

// Facade holds one handle per calling convention. It keeps no per-request state; async results
// reach the caller only through the sink passed to LookupAsync.
type Facade struct {
	sync  weatherrpc.SyncService
	async weatherrpc.AsyncService
}

// New wraps existing service handles.
func New(sync weatherrpc.SyncService, async weatherrpc.AsyncService) *Facade {
	return &Facade{sync: sync, async: async}
}

// Bind connects to the services published at endpoint. node hosts the sinks of async lookups,
// so it must be reachable from endpoint.
func Bind(ctx context.Context, node *broker.Node, endpoint string) (*Facade, error) {
	syncBinder, err := node.Connect(ctx, endpoint, weatherrpc.SyncServiceName, weatherrpc.SyncDescriptor)
	if err != nil {
		return nil, fmt.Errorf("bind sync service: %w", err)
	}
	asyncBinder, err := node.Connect(ctx, endpoint, weatherrpc.AsyncServiceName, weatherrpc.AsyncDescriptor)
	if err != nil {
		return nil, fmt.Errorf("bind async service: %w", err)
	}
	return New(weatherrpc.NewSyncProxy(syncBinder), weatherrpc.NewAsyncProxy(asyncBinder, node)), nil
}

// BindLocal uses the services published on node itself.
func BindLocal(ctx context.Context, node *broker.Node) (*Facade, error) {
	return Bind(ctx, node, "")
}

// LookupSync blocks until the record arrives or the lookup comes back empty.
func (f *Facade) LookupSync(ctx context.Context, location string) (models.WeatherRecord, bool, error) {
	return f.sync.GetCurrentWeather(ctx, location)
}

// LookupAsync returns once the request is accepted. Exactly one of the sink's methods is called
// later, on a goroutine the caller does not own.
func (f *Facade) LookupAsync(ctx context.Context, location string, sink weatherrpc.ResultSink) error {
	return f.async.GetCurrentWeather(ctx, location, sink)
}

// Describe renders a sync outcome for display.
func Describe(location string, rec models.WeatherRecord, ok bool) string {
	if !ok {
		return fmt.Sprintf("no weather data for %s found", location)
	}
	return rec.String()
}

// DescribeCompletion renders an async outcome for display.
func DescribeCompletion(location string, c weatherrpc.Completion) string {
	if !c.OK {
		return fmt.Sprintf("%s: %s", location, c.Reason)
	}
	return c.Record.String()
}
