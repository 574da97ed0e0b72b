package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// AlertStore keeps alerts in a slice.
type AlertStore struct {
	mu     sync.Mutex
	alerts []monitor.Alert
}

// NewAlertStore creates an empty AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{}
}

// Append stores the alert.
func (s *AlertStore) Append(_ context.Context, alert monitor.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

// List returns alerts newest first, optionally only unresolved ones.
func (s *AlertStore) List(_ context.Context, unresolvedOnly bool, limit int) ([]monitor.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []monitor.Alert
	for _, alert := range s.alerts {
		if unresolvedOnly && alert.Resolved {
			continue
		}
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(a, b int) bool {
		return alerts[a].CreatedAt.After(alerts[b].CreatedAt)
	})
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// Resolve marks the alert resolved.
func (s *AlertStore) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, alert := range s.alerts {
		if alert.ID == id {
			s.alerts[i].Resolved = true
			s.alerts[i].Read = true
			s.alerts[i].ResolvedAt = &at
			return nil
		}
	}
	return monitor.ErrNotFound
}

// PruneResolved deletes resolved alerts created before the cutoff.
func (s *AlertStore) PruneResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	pruned := 0
	for _, alert := range s.alerts {
		if alert.Resolved && alert.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, alert)
	}
	s.alerts = kept
	return pruned, nil
}
