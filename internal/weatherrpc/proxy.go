package weatherrpc

import (
	"context"
	"fmt"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/models"
)

// SyncProxy is the caller side of SyncService over a binder.
type SyncProxy struct {
	binder broker.Binder
}

// NewSyncProxy wraps a binder for the sync service.
func NewSyncProxy(b broker.Binder) *SyncProxy {
	return &SyncProxy{binder: b}
}

// GetCurrentWeather sends the lookup and blocks for the reply.
func (p *SyncProxy) GetCurrentWeather(ctx context.Context, location string) (models.WeatherRecord, bool, error) {
	data := broker.NewParcel()
	data.WriteInterfaceToken(SyncDescriptor)
	data.WriteString(location)

	reply, err := p.binder.Transact(ctx, OpGetWeatherSync, data, 0)
	if err != nil {
		return models.WeatherRecord{}, false, fmt.Errorf("sync lookup %q: %w", location, err)
	}
	if reply == nil {
		return models.WeatherRecord{}, false, fmt.Errorf("sync lookup %q: %w: empty reply", location, broker.ErrMalformedParcel)
	}
	rec, ok, err := ReadRecord(reply)
	if err != nil {
		return models.WeatherRecord{}, false, fmt.Errorf("sync lookup %q: %w", location, err)
	}
	return rec, ok, nil
}

// AsyncProxy is the caller side of AsyncService over a binder. Sinks that are not already
// binders are hosted on node for the duration of one request.
type AsyncProxy struct {
	binder broker.Binder
	node   *broker.Node
}

// NewAsyncProxy wraps a binder for the async service.
func NewAsyncProxy(b broker.Binder, node *broker.Node) *AsyncProxy {
	return &AsyncProxy{binder: b, node: node}
}

// GetCurrentWeather sends the request as a one-way call and returns once it has been accepted.
func (p *AsyncProxy) GetCurrentWeather(ctx context.Context, location string, sink ResultSink) error {
	if sink == nil {
		return fmt.Errorf("async lookup %q: nil result sink", location)
	}

	var sinkBinder broker.Binder
	release := func() {}
	if sp, ok := sink.(*SinkProxy); ok {
		sinkBinder = sp.binder
	} else {
		release = func() { p.node.Release(sinkBinder) }
		sinkBinder = p.node.Bind(NewSinkStub(sink, release))
	}

	data := broker.NewParcel()
	data.WriteInterfaceToken(AsyncDescriptor)
	data.WriteString(location)
	data.WriteBinder(sinkBinder)

	if _, err := p.binder.Transact(ctx, OpGetWeatherAsync, data, broker.FlagOneway); err != nil {
		release()
		return fmt.Errorf("async lookup %q: %w", location, err)
	}
	return nil
}

// SinkProxy is the caller side of ResultSink over a binder.
type SinkProxy struct {
	binder broker.Binder
}

// NewSinkProxy wraps a binder for a result sink.
func NewSinkProxy(b broker.Binder) *SinkProxy {
	return &SinkProxy{binder: b}
}

func (p *SinkProxy) SendResult(ctx context.Context, rec models.WeatherRecord) error {
	data := broker.NewParcel()
	data.WriteInterfaceToken(SinkDescriptor)
	WriteRecord(data, &rec)
	if _, err := p.binder.Transact(ctx, OpSendResult, data, broker.FlagOneway); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

func (p *SinkProxy) SendError(ctx context.Context, reason string) error {
	data := broker.NewParcel()
	data.WriteInterfaceToken(SinkDescriptor)
	data.WriteString(reason)
	if _, err := p.binder.Transact(ctx, OpSendError, data, broker.FlagOneway); err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	return nil
}
