package weatherrpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/observability"
)

// NewSyncStub exposes svc as the sync interface.
func NewSyncStub(svc SyncService) *broker.Stub {
	s := broker.NewStub(SyncDescriptor)
	s.Handle(OpGetWeatherSync, func(ctx context.Context, data, reply *broker.Parcel) error {
		location, err := data.ReadString()
		if err != nil {
			return err
		}
		rec, ok, err := svc.GetCurrentWeather(ctx, location)
		if err != nil {
			return err
		}
		if !ok {
			WriteRecord(reply, nil)
			return nil
		}
		WriteRecord(reply, &rec)
		return nil
	})
	return s
}

// NewAsyncStub exposes svc as the async interface. The request must carry a non-null sink.
func NewAsyncStub(svc AsyncService) *broker.Stub {
	s := broker.NewStub(AsyncDescriptor)
	s.HandleOneway(OpGetWeatherAsync, func(_ context.Context, data *broker.Parcel) (func(context.Context) error, error) {
		location, err := data.ReadString()
		if err != nil {
			return nil, err
		}
		b, err := data.ReadBinder()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("%w: async request without result sink", broker.ErrMalformedParcel)
		}
		sink := NewSinkProxy(b)
		return func(ctx context.Context) error {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return svc.GetCurrentWeather(ctx, location, sink)
		}, nil
	})
	return s
}

// NewSinkStub exposes sink as the result interface. Only the first completion is delivered;
// release runs after it. release may be nil.
func NewSinkStub(sink ResultSink, release func()) *broker.Stub {
	var delivered atomic.Bool
	claim := func() error {
		if !delivered.CompareAndSwap(false, true) {
			return ErrAlreadyDelivered
		}
		return nil
	}
	done := func() {
		if release != nil {
			release()
		}
	}

	s := broker.NewStub(SinkDescriptor)
	s.HandleOneway(OpSendResult, func(_ context.Context, data *broker.Parcel) (func(context.Context) error, error) {
		rec, ok, err := ReadRecord(data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: result without a record", broker.ErrMalformedParcel)
		}
		if err := claim(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			defer done()
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			observability.CallbacksTotal.WithLabelValues("result").Inc()
			return sink.SendResult(ctx, rec)
		}, nil
	})
	s.HandleOneway(OpSendError, func(_ context.Context, data *broker.Parcel) (func(context.Context) error, error) {
		reason, err := data.ReadString()
		if err != nil {
			return nil, err
		}
		if err := claim(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			defer done()
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			observability.CallbacksTotal.WithLabelValues("error").Inc()
			return sink.SendError(ctx, reason)
		}, nil
	})
	return s
}

// SinkFuncs adapts a pair of functions to ResultSink. A nil field ignores that completion.
type SinkFuncs struct {
	OnResult func(ctx context.Context, rec models.WeatherRecord)
	OnError  func(ctx context.Context, reason string)
}

func (f SinkFuncs) SendResult(ctx context.Context, rec models.WeatherRecord) error {
	if f.OnResult != nil {
		f.OnResult(ctx, rec)
	}
	return nil
}

func (f SinkFuncs) SendError(ctx context.Context, reason string) error {
	if f.OnError != nil {
		f.OnError(ctx, reason)
	}
	return nil
}

// Completion is the outcome of one async lookup as seen by a ChanSink.
type Completion struct {
	Record models.WeatherRecord
	Reason string
	OK     bool
}

// ChanSink delivers completions on a channel so the receiver handles them on its own goroutine.
type ChanSink struct {
	C chan Completion
}

// NewChanSink returns a sink whose channel buffers size completions.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan Completion, size)}
}

func (s *ChanSink) SendResult(ctx context.Context, rec models.WeatherRecord) error {
	return s.send(ctx, Completion{Record: rec, OK: true})
}

func (s *ChanSink) SendError(ctx context.Context, reason string) error {
	return s.send(ctx, Completion{Reason: reason})
}

func (s *ChanSink) send(ctx context.Context, c Completion) error {
	select {
	case s.C <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
