package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-broker/internal/models"
	"github.com/kjstillabower/weather-broker/internal/observability"
)

// requestCoalescer collapses concurrent misses for the same location into one upstream fetch.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers and hands every caller its result.
// A caller stops waiting when ctx ends or the timeout elapses; the fetch itself keeps running
// for the others.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func() (models.WeatherRecord, error)) (models.WeatherRecord, error) {
	ch := rc.group.DoChan(key, func() (any, error) {
		return fn()
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Shared {
			observability.CoalescedFetchesTotal.Inc()
		}
		if res.Err != nil {
			return models.WeatherRecord{}, res.Err
		}
		return res.Val.(models.WeatherRecord), nil
	case <-waitCtx.Done():
		return models.WeatherRecord{}, waitCtx.Err()
	}
}
