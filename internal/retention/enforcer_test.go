package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

type fakeRecordStore struct {
	monitor.RecordStore

	byCase  map[string][]monitor.PublicationRecord
	deleted []string
	listErr error
}

func caseKey(subscriptionID, caseNumber string) string {
	return subscriptionID + "/" + caseNumber
}

func (f *fakeRecordStore) ListByCase(_ context.Context, subscriptionID, caseNumber string) ([]monitor.PublicationRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.byCase[caseKey(subscriptionID, caseNumber)], nil
}

func (f *fakeRecordStore) DistinctCaseNumbers(_ context.Context, subscriptionID string) ([]string, error) {
	var cases []string
	for key := range f.byCase {
		if len(key) > len(subscriptionID) && key[:len(subscriptionID)] == subscriptionID {
			cases = append(cases, key[len(subscriptionID)+1:])
		}
	}
	return cases, nil
}

func (f *fakeRecordStore) Delete(_ context.Context, recordIDs []string) error {
	f.deleted = append(f.deleted, recordIDs...)
	return nil
}

func rec(id string, pubDate, insertedAt time.Time) monitor.PublicationRecord {
	return monitor.PublicationRecord{
		ID:              id,
		SubscriptionID:  "sub-1",
		CaseNumber:      "00012345620248260100",
		PublicationDate: pubDate,
		InsertedAt:      insertedAt,
	}
}

func TestEnforceCaseKeepsThreeMostRecent(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecordStore{byCase: map[string][]monitor.PublicationRecord{
		caseKey("sub-1", "00012345620248260100"): {
			rec("a", base, base),
			rec("b", base.AddDate(0, 0, 3), base),
			rec("c", base.AddDate(0, 0, 1), base),
			rec("d", base.AddDate(0, 0, 4), base),
			rec("e", base.AddDate(0, 0, 2), base),
		},
	}}
	enforcer := NewEnforcer(store, 3, zap.NewNop())

	deleted, err := enforcer.EnforceCase(context.Background(), "sub-1", "00012345620248260100")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.ElementsMatch(t, []string{"a", "c"}, store.deleted)
}

func TestEnforceCaseSameDayBreaksTiesByInsertion(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecordStore{byCase: map[string][]monitor.PublicationRecord{
		caseKey("sub-1", "00012345620248260100"): {
			rec("oldest", day, day.Add(1*time.Hour)),
			rec("mid1", day, day.Add(2*time.Hour)),
			rec("mid2", day, day.Add(3*time.Hour)),
			rec("newest", day, day.Add(4*time.Hour)),
		},
	}}
	enforcer := NewEnforcer(store, 3, zap.NewNop())

	deleted, err := enforcer.EnforceCase(context.Background(), "sub-1", "00012345620248260100")
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Equal(t, []string{"oldest"}, store.deleted)
}

func TestEnforceCaseUnderLimitIsNoop(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecordStore{byCase: map[string][]monitor.PublicationRecord{
		caseKey("sub-1", "00012345620248260100"): {
			rec("a", base, base),
			rec("b", base.AddDate(0, 0, 1), base),
		},
	}}
	enforcer := NewEnforcer(store, 3, zap.NewNop())

	deleted, err := enforcer.EnforceCase(context.Background(), "sub-1", "00012345620248260100")
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.Empty(t, store.deleted)
}

func TestEnforceSubscriptionSweepsAllCases(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	overfull := make([]monitor.PublicationRecord, 0, 5)
	for i := 0; i < 5; i++ {
		r := rec(string(rune('a'+i)), base.AddDate(0, 0, i), base)
		overfull = append(overfull, r)
	}
	store := &fakeRecordStore{byCase: map[string][]monitor.PublicationRecord{
		caseKey("sub-1", "00012345620248260100"): overfull,
		caseKey("sub-1", "00099999920248260100"): {rec("x", base, base)},
	}}
	enforcer := NewEnforcer(store, 3, zap.NewNop())

	deleted, err := enforcer.EnforceSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
}

func TestEnforceCaseListError(t *testing.T) {
	t.Parallel()

	store := &fakeRecordStore{listErr: errors.New("db down")}
	enforcer := NewEnforcer(store, 3, zap.NewNop())

	_, err := enforcer.EnforceCase(context.Background(), "sub-1", "00012345620248260100")
	require.Error(t, err)
}
