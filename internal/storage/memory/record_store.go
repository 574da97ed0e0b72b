package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// RecordStore keeps publication records in a map.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]monitor.PublicationRecord
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]monitor.PublicationRecord)}
}

// Insert stores the record.
func (s *RecordStore) Insert(_ context.Context, rec monitor.PublicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// CaseExists reports whether any record of the case is stored.
func (s *RecordStore) CaseExists(_ context.Context, subscriptionID, caseNumber string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.SubscriptionID == subscriptionID && rec.CaseNumber == caseNumber {
			return true, nil
		}
	}
	return false, nil
}

// ListByCase returns the case's records, newest publication first.
func (s *RecordStore) ListByCase(_ context.Context, subscriptionID, caseNumber string) ([]monitor.PublicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []monitor.PublicationRecord
	for _, rec := range s.records {
		if rec.SubscriptionID == subscriptionID && rec.CaseNumber == caseNumber {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(a, b int) bool {
		if !records[a].PublicationDate.Equal(records[b].PublicationDate) {
			return records[a].PublicationDate.After(records[b].PublicationDate)
		}
		return records[a].InsertedAt.After(records[b].InsertedAt)
	})
	return records, nil
}

// DistinctCaseNumbers returns every case number the subscription has records
// for.
func (s *RecordStore) DistinctCaseNumbers(_ context.Context, subscriptionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var cases []string
	for _, rec := range s.records {
		if rec.SubscriptionID != subscriptionID {
			continue
		}
		if _, dup := seen[rec.CaseNumber]; dup {
			continue
		}
		seen[rec.CaseNumber] = struct{}{}
		cases = append(cases, rec.CaseNumber)
	}
	sort.Strings(cases)
	return cases, nil
}

// ListPendingDelivery returns undelivered records, oldest first.
func (s *RecordStore) ListPendingDelivery(_ context.Context, subscriptionID string, limit int) ([]monitor.PublicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []monitor.PublicationRecord
	for _, rec := range s.records {
		if rec.SubscriptionID != subscriptionID {
			continue
		}
		if rec.DeliveryStatus == monitor.DeliveryNew || rec.DeliveryStatus == monitor.DeliveryError {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		return pending[a].InsertedAt.Before(pending[b].InsertedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// SetDeliveryStatus updates one record's delivery state.
func (s *RecordStore) SetDeliveryStatus(_ context.Context, recordID string, status monitor.DeliveryStatus, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return monitor.ErrNotFound
	}
	rec.DeliveryStatus = status
	rec.DeliveryError = errText
	if status == monitor.DeliverySent {
		rec.DeliveredAt = &at
	}
	s.records[recordID] = rec
	return nil
}

// Delete removes the given records.
func (s *RecordStore) Delete(_ context.Context, recordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range recordIDs {
		delete(s.records, id)
	}
	return nil
}
