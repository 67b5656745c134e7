package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps the entry in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	entry Entry
	set   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry, s.set, nil
}

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry, s.set = e, true
	return nil
}
