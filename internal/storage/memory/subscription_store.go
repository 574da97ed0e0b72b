// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// SubscriptionStore keeps subscriptions in a map.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]monitor.Subscription
}

// NewSubscriptionStore creates an empty SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]monitor.Subscription)}
}

// Create stores the subscription.
func (s *SubscriptionStore) Create(_ context.Context, sub monitor.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

// Get returns the subscription or ErrNotFound.
func (s *SubscriptionStore) Get(_ context.Context, id string) (monitor.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return monitor.Subscription{}, monitor.ErrNotFound
	}
	return sub, nil
}

// Update rewrites the subscription.
func (s *SubscriptionStore) Update(_ context.Context, sub monitor.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return monitor.ErrNotFound
	}
	s.subs[sub.ID] = sub
	return nil
}

// Delete removes the subscription.
func (s *SubscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return monitor.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

// ListDue returns active sync-enabled subscriptions never synced or last
// synced before the cutoff, oldest sync first.
func (s *SubscriptionStore) ListDue(_ context.Context, before time.Time) ([]monitor.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []monitor.Subscription
	for _, sub := range s.subs {
		if !sub.Active || !sub.SyncEnabled {
			continue
		}
		if sub.LastSyncAt == nil || sub.LastSyncAt.Before(before) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		switch {
		case due[a].LastSyncAt == nil:
			return true
		case due[b].LastSyncAt == nil:
			return false
		default:
			return due[a].LastSyncAt.Before(*due[b].LastSyncAt)
		}
	})
	return due, nil
}
