package memory

import (
	"sync"

	"github.com/tjfontaine/audit-timeline/internal/domain"
)

// RunStore is an in-memory implementation of ports.RunMetadataStore.
// It remembers the order in which runs were first stored.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]domain.RunMetadata
	order []string
}

// New creates a new in-memory run store
func New() *RunStore {
	return &RunStore{
		runs: make(map[string]domain.RunMetadata),
	}
}

func (s *RunStore) Get(runID string) (domain.RunMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.runs[runID]
	return meta, ok
}

func (s *RunStore) LoadOrStore(meta domain.RunMetadata) (domain.RunMetadata, bool) {
	s.mu.RLock()
	existing, ok := s.runs[meta.RunID]
	s.mu.RUnlock()
	if ok {
		return existing, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock; another reader may have won the race.
	if existing, ok := s.runs[meta.RunID]; ok {
		return existing, true
	}
	s.runs[meta.RunID] = meta
	s.order = append(s.order, meta.RunID)
	return meta, false
}

func (s *RunStore) Replace(meta domain.RunMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[meta.RunID]; !ok {
		s.order = append(s.order, meta.RunID)
	}
	s.runs[meta.RunID] = meta
}

func (s *RunStore) List() []domain.RunMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RunMetadata, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id])
	}
	return out
}

// Len returns the number of cached runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
