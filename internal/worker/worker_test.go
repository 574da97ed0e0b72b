package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/metrics"
	"github.com/advtrack/comunica-monitor/internal/monitor"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

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

type fakeSubStore struct {
	monitor.SubscriptionStore

	mu      sync.Mutex
	subs    map[string]monitor.Subscription
	updated []monitor.Subscription
}

func (f *fakeSubStore) Get(_ context.Context, id string) (monitor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return monitor.Subscription{}, monitor.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubStore) Update(_ context.Context, sub monitor.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
	f.updated = append(f.updated, sub)
	return nil
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]monitor.ScrapeRun
}

func newFakeRunStore(runs ...monitor.ScrapeRun) *fakeRunStore {
	s := &fakeRunStore{runs: make(map[string]monitor.ScrapeRun)}
	for _, run := range runs {
		s.runs[run.ID] = run
	}
	return s
}

func (f *fakeRunStore) Create(_ context.Context, run monitor.ScrapeRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) Get(_ context.Context, id string) (monitor.ScrapeRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return monitor.ScrapeRun{}, monitor.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunStore) Update(_ context.Context, run monitor.ScrapeRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) List(_ context.Context, _ string, _ int) ([]monitor.ScrapeRun, error) {
	return nil, nil
}

func (f *fakeRunStore) get(id string) monitor.ScrapeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

type fakeRecordStore struct {
	monitor.RecordStore

	mu       sync.Mutex
	existing map[string][]monitor.PublicationRecord
	inserted []monitor.PublicationRecord
	pending  []monitor.PublicationRecord
}

func (f *fakeRecordStore) CaseExists(_ context.Context, subscriptionID, caseNumber string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.existing[subscriptionID+"/"+caseNumber]) > 0, nil
}

func (f *fakeRecordStore) ListByCase(_ context.Context, subscriptionID, caseNumber string) ([]monitor.PublicationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[subscriptionID+"/"+caseNumber], nil
}

func (f *fakeRecordStore) Insert(_ context.Context, rec monitor.PublicationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	key := rec.SubscriptionID + "/" + rec.CaseNumber
	if f.existing == nil {
		f.existing = make(map[string][]monitor.PublicationRecord)
	}
	f.existing[key] = append(f.existing[key], rec)
	return nil
}

func (f *fakeRecordStore) ListPendingDelivery(_ context.Context, _ string, _ int) ([]monitor.PublicationRecord, error) {
	return f.pending, nil
}

type fakeScraper struct {
	mu     sync.Mutex
	result monitor.ScrapeResult
	err    error
	calls  int
}

func (f *fakeScraper) Scrape(_ context.Context, _ monitor.ScrapeRequest) (monitor.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]monitor.PublicationRecord
	report  monitor.DeliveryReport
}

func (f *fakeNotifier) Deliver(_ context.Context, _ monitor.Subscription, records []monitor.PublicationRecord) monitor.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	if f.report.Attempted == 0 {
		return monitor.DeliveryReport{Attempted: len(records), Sent: len(records)}
	}
	return f.report
}

type fakeRetention struct {
	mu    sync.Mutex
	cases []string
}

func (f *fakeRetention) EnforceCase(_ context.Context, _, caseNumber string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases = append(f.cases, caseNumber)
	return 0, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []monitor.Task
	ch    chan monitor.Task
}

func newFakeQueue(tasks ...monitor.Task) *fakeQueue {
	q := &fakeQueue{ch: make(chan monitor.Task, 16)}
	for _, task := range tasks {
		q.ch <- task
	}
	return q
}

func (f *fakeQueue) Enqueue(_ context.Context, task monitor.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	f.ch <- task
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context) (monitor.Task, error) {
	select {
	case <-ctx.Done():
		return monitor.Task{}, ctx.Err()
	case task := <-f.ch:
		return task, nil
	}
}

func (f *fakeQueue) enqueued() []monitor.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]monitor.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return "msg-1", nil
}

type fakeProvisioner struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeProvisioner) Replace(_ context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, endpointID)
	return f.err
}

type testHarness struct {
	worker    *Worker
	queue     *fakeQueue
	subs      *fakeSubStore
	runs      *fakeRunStore
	records   *fakeRecordStore
	scraper   *fakeScraper
	notifier  *fakeNotifier
	retention *fakeRetention
	publisher *fakePublisher
	prov      *fakeProvisioner
}

func newHarness(t *testing.T, run monitor.ScrapeRun, scraper *fakeScraper) *testHarness {
	t.Helper()
	h := &testHarness{
		queue: newFakeQueue(),
		subs: &fakeSubStore{subs: map[string]monitor.Subscription{
			"sub-1": {ID: "sub-1", Name: "JOÃO DA SILVA", CallbackURL: "https://cb.example.com", NewLawyer: true, Active: true},
		}},
		runs:      newFakeRunStore(run),
		records:   &fakeRecordStore{},
		scraper:   scraper,
		notifier:  &fakeNotifier{},
		retention: &fakeRetention{},
		publisher: &fakePublisher{},
		prov:      &fakeProvisioner{},
	}
	h.worker = New(
		h.queue, h.subs, h.runs, h.records, h.scraper, h.notifier, h.retention,
		h.publisher, h.prov, nil,
		&fakeClock{now: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)},
		&fakeIDGen{},
		Config{Topic: "runs-done", MaxAttempts: 3, RetryBase: 5 * time.Millisecond, RetryMax: 10 * time.Millisecond},
		zap.NewNop(),
	)
	return h
}

func pendingRun() monitor.ScrapeRun {
	return monitor.ScrapeRun{
		ID:             "run-1",
		SubscriptionID: "sub-1",
		StartDate:      time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC),
		Status:         monitor.RunStatusPending,
	}
}

func TestProcessScrapeSuccess(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{result: monitor.ScrapeResult{
		Records: []monitor.ScrapedRecord{
			{CaseNumber: "00012345620248260100", CourtCode: "TJ", CleanText: "intimação"},
			{CaseNumber: "00099999920248260100", CourtCode: "TJ", CleanText: "sentença"},
		},
		Telemetry: monitor.RunTelemetry{PagesNavigated: 2, APIIntercepted: true},
	}}
	h := newHarness(t, pendingRun(), scraper)

	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskScrape, Payload: monitor.TaskPayload{RunID: "run-1"},
	})

	run := h.runs.get("run-1")
	require.Equal(t, monitor.RunStatusDone, run.Status)
	require.Equal(t, 2, run.Found)
	require.Equal(t, 2, run.New)
	require.NotNil(t, run.FinishedAt)
	require.True(t, run.Telemetry.APIIntercepted)

	require.Len(t, h.records.inserted, 2)
	require.Equal(t, monitor.DeliveryNew, h.records.inserted[0].DeliveryStatus)

	require.Len(t, h.notifier.batches, 1)
	require.Len(t, h.notifier.batches[0], 2)
	require.ElementsMatch(t, []string{"00012345620248260100", "00099999920248260100"}, h.retention.cases)
	require.Len(t, h.publisher.payloads, 1)

	sub, err := h.subs.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, sub.LastSyncAt)
	require.False(t, sub.NewLawyer)
	require.EqualValues(t, 2, sub.TotalRecords)
}

func TestProcessScrapeSkipsDuplicates(t *testing.T) {
	t.Parallel()

	pubDate := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	scraper := &fakeScraper{result: monitor.ScrapeResult{
		Records: []monitor.ScrapedRecord{
			{CaseNumber: "00012345620248260100", PublicationDate: pubDate, CommunicationType: "Intimação", CleanText: "mesmo teor"},
			{CaseNumber: "00012345620248260100", PublicationDate: pubDate.AddDate(0, 0, 5), CommunicationType: "Intimação", CleanText: "teor novo"},
		},
	}}
	h := newHarness(t, pendingRun(), scraper)
	h.records.existing = map[string][]monitor.PublicationRecord{
		"sub-1/00012345620248260100": {{
			ID: "old", SubscriptionID: "sub-1", CaseNumber: "00012345620248260100",
			PublicationDate: pubDate, CommunicationType: "Intimação", CleanText: "mesmo teor",
		}},
	}

	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskScrape, Payload: monitor.TaskPayload{RunID: "run-1"},
	})

	run := h.runs.get("run-1")
	require.Equal(t, 2, run.Found)
	require.Equal(t, 1, run.New)
	require.Len(t, h.records.inserted, 1)
	require.Equal(t, "teor novo", h.records.inserted[0].CleanText)
}

func TestProcessScrapeFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{err: errors.New("all 1 blocks failed: navigate timeout")}
	h := newHarness(t, pendingRun(), scraper)

	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskScrape, Attempt: 0, Payload: monitor.TaskPayload{RunID: "run-1"},
	})

	run := h.runs.get("run-1")
	require.Equal(t, monitor.RunStatusError, run.Status)
	require.Contains(t, run.ErrorText, "navigate timeout")

	require.Eventually(t, func() bool {
		return len(h.queue.enqueued()) == 1
	}, time.Second, 5*time.Millisecond)

	retryTask := h.queue.enqueued()[0]
	require.Equal(t, monitor.TaskScrape, retryTask.Kind)
	require.Equal(t, 1, retryTask.Attempt)
	require.NotEqual(t, "run-1", retryTask.Payload.RunID)

	retryRun := h.runs.get(retryTask.Payload.RunID)
	require.Equal(t, monitor.RunStatusPending, retryRun.Status)
	require.Equal(t, 1, retryRun.Attempt)
	require.Equal(t, run.StartDate, retryRun.StartDate)
}

func TestProcessScrapeRetriesExhausted(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{err: errors.New("blocked")}
	h := newHarness(t, pendingRun(), scraper)

	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskScrape, Attempt: 2, Payload: monitor.TaskPayload{RunID: "run-1"},
	})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, h.queue.enqueued())
}

func TestProcessProxyReplace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun(), &fakeScraper{})
	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskProxyReplace, Payload: monitor.TaskPayload{ProxyID: "proxy-9"},
	})
	require.Equal(t, []string{"proxy-9"}, h.prov.ids)
}

func TestProcessResendDeliversPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun(), &fakeScraper{})
	h.records.pending = []monitor.PublicationRecord{{ID: "r1"}, {ID: "r2"}}

	h.worker.processTask(context.Background(), monitor.Task{
		ID: "t1", Kind: monitor.TaskResend, Payload: monitor.TaskPayload{SubscriptionID: "sub-1"},
	})
	require.Len(t, h.notifier.batches, 1)
	require.Len(t, h.notifier.batches[0], 2)
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun(), &fakeScraper{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
