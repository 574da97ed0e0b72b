package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type statusCall struct {
	recordID string
	status   monitor.DeliveryStatus
	errText  string
}

type fakeRecordStore struct {
	monitor.RecordStore

	mu    sync.Mutex
	calls []statusCall
}

func (f *fakeRecordStore) SetDeliveryStatus(_ context.Context, recordID string, status monitor.DeliveryStatus, errText string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{recordID: recordID, status: status, errText: errText})
	return nil
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}

type fakeAlertStore struct {
	monitor.AlertStore

	mu       sync.Mutex
	appended []monitor.Alert
}

func (f *fakeAlertStore) Append(_ context.Context, alert monitor.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, alert)
	return nil
}

func newTestNotifier(t *testing.T, store *fakeRecordStore, alerts *fakeAlertStore) *Notifier {
	t.Helper()
	return NewNotifier(nil, store, alerts, &fakeClock{now: time.Now()}, &fakeIDGen{}, Config{
		Secret:         "hunter2",
		PerRecordDelay: time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestDeliverPostsEachRecordWithSecret(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var payloads []callbackPayload
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		secrets = append(secrets, r.Header.Get("X-Callback-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeRecordStore{}
	alerts := &fakeAlertStore{}
	notifier := newTestNotifier(t, store, alerts)
	sub := monitor.Subscription{ID: "sub-1", Name: "JOÃO DA SILVA", CallbackURL: srv.URL}

	report := notifier.Deliver(context.Background(), sub, []monitor.PublicationRecord{
		{ID: "r1", CaseNumber: "00012345620248260100"},
		{ID: "r2", CaseNumber: "00099999920248260100"},
	})

	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 2, report.Sent)
	require.Zero(t, report.Failed)
	require.False(t, report.Skipped)

	require.Len(t, payloads, 2)
	require.Equal(t, "r1", payloads[0].Record.ID)
	require.Equal(t, "r2", payloads[1].Record.ID)
	require.Equal(t, []string{"hunter2", "hunter2"}, secrets)

	require.Len(t, store.calls, 2)
	for _, call := range store.calls {
		require.Equal(t, monitor.DeliverySent, call.status)
	}

	require.Len(t, alerts.appended, 1)
	entry := alerts.appended[0]
	require.Equal(t, monitor.SeverityInfo, entry.Severity)
	require.Equal(t, "delivery", entry.Category)
	require.Equal(t, "sub-1", entry.SubscriptionID)
	require.Contains(t, entry.Message, "sent 2")
}

func TestDeliverMarksFailuresAndContinues(t *testing.T) {
	t.Parallel()

	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n++
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeRecordStore{}
	alerts := &fakeAlertStore{}
	notifier := newTestNotifier(t, store, alerts)
	sub := monitor.Subscription{ID: "sub-1", CallbackURL: srv.URL}

	report := notifier.Deliver(context.Background(), sub, []monitor.PublicationRecord{
		{ID: "r1"}, {ID: "r2"},
	})

	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Sent)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "502")

	require.Len(t, store.calls, 2)
	require.Equal(t, monitor.DeliveryError, store.calls[0].status)
	require.NotEmpty(t, store.calls[0].errText)
	require.Equal(t, monitor.DeliverySent, store.calls[1].status)

	// The persisted batch entry carries the per-record error list.
	require.Len(t, alerts.appended, 1)
	entry := alerts.appended[0]
	require.Equal(t, monitor.SeverityError, entry.Severity)
	require.Contains(t, entry.Message, "failed 1")
	require.Contains(t, entry.Message, "r1")
	require.Contains(t, entry.Message, "502")
}

func TestDeliverWithoutCallbackURLMarksIgnored(t *testing.T) {
	t.Parallel()

	store := &fakeRecordStore{}
	alerts := &fakeAlertStore{}
	notifier := newTestNotifier(t, store, alerts)

	report := notifier.Deliver(context.Background(), monitor.Subscription{ID: "sub-1"}, []monitor.PublicationRecord{{ID: "r1"}})
	require.True(t, report.Skipped)
	require.Zero(t, report.Attempted)

	require.Len(t, store.calls, 1)
	require.Equal(t, "r1", store.calls[0].recordID)
	require.Equal(t, monitor.DeliveryIgnored, store.calls[0].status)
	require.Empty(t, alerts.appended)
}
