package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// ProxyStore keeps proxy endpoints in a map. The mutex makes the counter
// updates atomic the way the Postgres row locks do.
type ProxyStore struct {
	mu        sync.Mutex
	endpoints map[string]monitor.ProxyEndpoint
}

// NewProxyStore creates a ProxyStore seeded with the given endpoints.
func NewProxyStore(endpoints ...monitor.ProxyEndpoint) *ProxyStore {
	s := &ProxyStore{endpoints: make(map[string]monitor.ProxyEndpoint)}
	for _, endpoint := range endpoints {
		s.endpoints[endpoint.ID] = endpoint
	}
	return s
}

// AcquireNext selects the least used working endpoint, bumping its counters.
func (s *ProxyStore) AcquireNext(_ context.Context, now time.Time) (monitor.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []monitor.ProxyEndpoint
	for _, endpoint := range s.endpoints {
		if endpoint.Active && endpoint.Working && !endpoint.NeedsReplacement && !endpoint.BlockedByTarget {
			candidates = append(candidates, endpoint)
		}
	}
	if len(candidates) == 0 {
		return monitor.ProxyEndpoint{}, monitor.ErrNoProxyAvailable
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].HourlyUseCount != candidates[b].HourlyUseCount {
			return candidates[a].HourlyUseCount < candidates[b].HourlyUseCount
		}
		switch {
		case candidates[a].LastUsedAt == nil:
			return true
		case candidates[b].LastUsedAt == nil:
			return false
		default:
			return candidates[a].LastUsedAt.Before(*candidates[b].LastUsedAt)
		}
	})

	chosen := candidates[0]
	chosen.HourlyUseCount++
	chosen.LastUsedAt = &now
	s.endpoints[chosen.ID] = chosen
	return chosen, nil
}

// RecordFailure bumps the failure counter and returns the new count.
func (s *ProxyStore) RecordFailure(_ context.Context, id string, blocked bool, errText string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return 0, monitor.ErrNotFound
	}
	endpoint.FailureCount++
	endpoint.Working = false
	endpoint.LastError = errText
	if blocked {
		endpoint.BlockedByTarget = true
		endpoint.BlockedAt = &now
	}
	endpoint.LastCheckedAt = &now
	s.endpoints[id] = endpoint
	return endpoint.FailureCount, nil
}

// RecordSuccess clears failure state and marks the endpoint working.
func (s *ProxyStore) RecordSuccess(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return monitor.ErrNotFound
	}
	endpoint.FailureCount = 0
	endpoint.Working = true
	endpoint.BlockedByTarget = false
	endpoint.BlockedAt = nil
	endpoint.LastError = ""
	endpoint.LastCheckedAt = &now
	s.endpoints[id] = endpoint
	return nil
}

// MarkNeedsReplacement retires the endpoint from rotation.
func (s *ProxyStore) MarkNeedsReplacement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return monitor.ErrNotFound
	}
	endpoint.NeedsReplacement = true
	endpoint.Working = false
	s.endpoints[id] = endpoint
	return nil
}

// SetWorking updates the working flag.
func (s *ProxyStore) SetWorking(_ context.Context, id string, working bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return monitor.ErrNotFound
	}
	endpoint.Working = working
	endpoint.LastCheckedAt = &now
	s.endpoints[id] = endpoint
	return nil
}

// Get returns the endpoint or ErrNotFound.
func (s *ProxyStore) Get(_ context.Context, id string) (monitor.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return monitor.ProxyEndpoint{}, monitor.ErrNotFound
	}
	return endpoint, nil
}

// List returns every endpoint ordered by ID.
func (s *ProxyStore) List(_ context.Context) ([]monitor.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoints := make([]monitor.ProxyEndpoint, 0, len(s.endpoints))
	for _, endpoint := range s.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(a, b int) bool { return endpoints[a].ID < endpoints[b].ID })
	return endpoints, nil
}

// ResetHourlyCounters zeroes every endpoint's hourly usage counter.
func (s *ProxyStore) ResetHourlyCounters(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, endpoint := range s.endpoints {
		endpoint.HourlyUseCount = 0
		s.endpoints[id] = endpoint
	}
	return nil
}
