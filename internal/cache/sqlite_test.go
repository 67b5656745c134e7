package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestSQLiteStore_SurvivesReopen verifies the entry persists across store instances, and that
// a second save replaces the first.
func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s := openSQLite(t, path)
	if _, ok, err := s.Load(ctx); ok || err != nil {
		t.Fatalf("Load() on new db = %v, %v; want false, nil", ok, err)
	}
	first := Entry{Location: "Paris", Record: seattle, FetchedAt: time.UnixMilli(1_700_000_000_000)}
	second := Entry{Location: "Seattle", Record: seattle, FetchedAt: time.UnixMilli(1_700_000_005_000)}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openSQLite(t, path)
	got, ok, err := reopened.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load() after reopen = %v, %v", ok, err)
	}
	if got.Location != "Seattle" || !got.FetchedAt.Equal(second.FetchedAt) || got.Record != seattle {
		t.Errorf("Load() = %+v, want %+v", got, second)
	}
}

// TestSQLiteStore_CorruptRow verifies an undecodable row is reported as corruption and the
// cache treats it as a miss.
func TestSQLiteStore_CorruptRow(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO result_cache(slot, payload) VALUES(1, 'not json')`); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	if _, _, err := s.Load(ctx); !errors.Is(err, ErrCacheCorruption) {
		t.Fatalf("Load() error = %v, want ErrCacheCorruption", err)
	}
	c := NewResultCache(s, 0)
	if _, ok, err := c.Get(ctx, "Seattle"); ok || err != nil {
		t.Errorf("Get() = %v, %v; want miss without error", ok, err)
	}
	if err := c.Put(ctx, "Seattle", seattle, time.Now()); err != nil {
		t.Fatalf("Put() over corrupt row error = %v", err)
	}
	if _, ok, err := c.Get(ctx, "Seattle"); !ok || err != nil {
		t.Errorf("Get() after Put = %v, %v; want hit", ok, err)
	}
}
