package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// RunStore keeps scrape runs in a map.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]monitor.ScrapeRun
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]monitor.ScrapeRun)}
}

// Create stores the run.
func (s *RunStore) Create(_ context.Context, run monitor.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// Get returns the run or ErrNotFound.
func (s *RunStore) Get(_ context.Context, id string) (monitor.ScrapeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return monitor.ScrapeRun{}, monitor.ErrNotFound
	}
	return run, nil
}

// Update rewrites the run.
func (s *RunStore) Update(_ context.Context, run monitor.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return monitor.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// List returns the subscription's runs, newest first.
func (s *RunStore) List(_ context.Context, subscriptionID string, limit int) ([]monitor.ScrapeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []monitor.ScrapeRun
	for _, run := range s.runs {
		if run.SubscriptionID == subscriptionID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(a, b int) bool {
		return runs[a].CreatedAt.After(runs[b].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
