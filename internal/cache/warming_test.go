package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/weather-broker/internal/models"
)

type mockWeatherFetcher struct {
	rec models.WeatherRecord
	err error
}

func (m *mockWeatherFetcher) Fetch(_ context.Context, _ string) (models.WeatherRecord, error) {
	return m.rec, m.err
}

func TestWarmer_Warm_Success(t *testing.T) {
	c := NewResultCache(NewMemoryStore(), 0)
	w := NewWarmer(&mockWeatherFetcher{rec: seattle}, c, nil)

	if err := w.Warm(context.Background(), "Seattle"); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	e, ok, err := c.Get(context.Background(), "Seattle")
	if err != nil || !ok || e.Record != seattle {
		t.Errorf("Get() after Warm = %+v, %v, %v", e, ok, err)
	}
}

func TestWarmer_Warm_FetcherError(t *testing.T) {
	store := NewMemoryStore()
	w := NewWarmer(&mockWeatherFetcher{err: errors.New("api down")}, NewResultCache(store, 0), nil)

	if err := w.Warm(context.Background(), "Seattle"); err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Error("failed warm wrote an entry")
	}
}

func TestWarmer_WarmPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWarmer(&mockWeatherFetcher{rec: seattle}, NewResultCache(NewMemoryStore(), 0), nil)
	if err := w.WarmPeriodic(ctx, "Seattle", time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("WarmPeriodic() error = %v, want Canceled", err)
	}
}
