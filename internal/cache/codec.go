package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-broker/internal/models"
)

// persistedEntry is the JSON form shared by every durable store.
type persistedEntry struct {
	Location    string               `json:"location"`
	Record      models.WeatherRecord `json:"record"`
	FetchedAtMs int64                `json:"fetchedAtMs"`
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(persistedEntry{
		Location:    e.Location,
		Record:      e.Record,
		FetchedAtMs: e.FetchedAt.UnixMilli(),
	})
}

func decodeEntry(raw []byte) (Entry, error) {
	var p persistedEntry
	if err := json.Unmarshal(raw, &p); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}
	if p.Location == "" || p.FetchedAtMs <= 0 {
		return Entry{}, fmt.Errorf("%w: missing location or timestamp", ErrCacheCorruption)
	}
	return Entry{
		Location:  p.Location,
		Record:    p.Record,
		FetchedAt: time.UnixMilli(p.FetchedAtMs),
	}, nil
}
