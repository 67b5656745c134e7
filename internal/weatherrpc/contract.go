// Package weatherrpc is the wire contract of the weather broker: interface descriptors, operation
// codes, record encoding, and the proxies and stubs that carry the two lookup conventions over a
// broker.Binder.
package weatherrpc

import (
	"context"
	"errors"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/models"
)

// Names under which a broker node publishes the two services.
const (
	SyncServiceName  = "weather.sync"
	AsyncServiceName = "weather.async"
)

// Interface descriptors written as the first value of every call parcel.
const (
	SyncDescriptor  = "weatherbroker.WeatherCall"
	AsyncDescriptor = "weatherbroker.WeatherRequest"
	SinkDescriptor  = "weatherbroker.WeatherResults"
)

// Operation codes. They are unique across all three interfaces so a call sent to the wrong
// object is rejected as an unknown operation.
const (
	OpGetWeatherSync = broker.FirstCallTransaction + iota
	OpGetWeatherAsync
	OpSendResult
	OpSendError
)

// InvalidLocationReason is the only reason the async service reports through SendError.
const InvalidLocationReason = "Invalid location entered"

// ErrAlreadyDelivered is returned when a result sink receives a second completion.
var ErrAlreadyDelivered = errors.New("result already delivered")

// SyncService looks up the current weather and blocks until it has an answer. ok is false when
// no record could be produced. err is reserved for broker failures.
type SyncService interface {
	GetCurrentWeather(ctx context.Context, location string) (rec models.WeatherRecord, ok bool, err error)
}

// AsyncService starts a lookup and returns at once. The outcome is delivered to sink.
type AsyncService interface {
	GetCurrentWeather(ctx context.Context, location string, sink ResultSink) error
}

// ResultSink receives the completion of one async lookup. Exactly one of its methods is called,
// exactly once, on a goroutine other than the requester's.
type ResultSink interface {
	SendResult(ctx context.Context, rec models.WeatherRecord) error
	SendError(ctx context.Context, reason string) error
}
