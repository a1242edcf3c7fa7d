package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements RunStore using a map.
// Used when no database is configured.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Result
}

// NewInMemoryStore creates an empty in-memory run store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[uuid.UUID]*Result)}
}

func (s *InMemoryStore) SaveRun(_ context.Context, result *Result) error {
	if result == nil || result.RunID == uuid.Nil {
		return fmt.Errorf("saving run: missing run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	cp.Steps = slices.Clone(result.Steps)
	s.runs[result.RunID] = &cp
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	cp := *r
	cp.Steps = slices.Clone(r.Steps)
	return &cp, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, limit int) ([]RunSummary, error) {
	s.mu.RLock()
	out := make([]RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Summarize())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b RunSummary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.runs {
		if r.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

var _ RunStore = (*InMemoryStore)(nil)
