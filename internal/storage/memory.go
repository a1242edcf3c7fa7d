package storage

import (
	"context"

	"github.com/jkaninda/sandloop/internal/orchestrator"
)

// MemoryStore keeps runs in process memory. Used when storage.driver=none.
type MemoryStore struct {
	runs *orchestrator.InMemoryStore
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: orchestrator.NewInMemoryStore()}
}

func (s *MemoryStore) Runs() orchestrator.RunStore     { return s.runs }
func (s *MemoryStore) Ping(_ context.Context) error    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                    { return nil }
func (s *MemoryStore) Driver() string                  { return DriverNone }

var _ Store = (*MemoryStore)(nil)
