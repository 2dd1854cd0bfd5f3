// Package results keeps the per-unit outcomes of a run for summary
// reporting. The store is safe for concurrent workers.
package results

import (
	"sync"

	"github.com/xtal-tools/stillsproc/internal/pipeline"
)

type Store struct {
	outcomes map[string]pipeline.Outcome
	order    []string
	mu       sync.RWMutex
}

func New() *Store {
	return &Store{
		outcomes: make(map[string]pipeline.Outcome),
	}
}

// Record stores one unit's outcome, keyed by tag.
func (s *Store) Record(o pipeline.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[o.Tag]; !exists {
		s.order = append(s.order, o.Tag)
	}
	s.outcomes[o.Tag] = o
}

// Get returns the outcome for a tag.
func (s *Store) Get(tag string) (pipeline.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, exists := s.outcomes[tag]
	return o, exists
}

// All returns every recorded outcome in recording order.
func (s *Store) All() []pipeline.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.Outcome, 0, len(s.order))
	for _, tag := range s.order {
		out = append(out, s.outcomes[tag])
	}
	return out
}

// Summary counts outcomes by terminal state.
type Summary struct {
	Total       int
	Completed   int
	Skipped     int
	FailedTotal int
	FailedAt    map[pipeline.Stage]int
}

// Summarize tallies the recorded outcomes.
func (s *Store) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := Summary{
		Total:    len(s.order),
		FailedAt: make(map[pipeline.Stage]int),
	}
	for _, tag := range s.order {
		o := s.outcomes[tag]
		switch {
		case o.Failed():
			summary.FailedTotal++
			summary.FailedAt[o.Stage]++
		case o.Skipped:
			summary.Skipped++
		default:
			summary.Completed++
		}
	}
	return summary
}
