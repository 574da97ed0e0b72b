package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/clock/system"
	"github.com/advtrack/comunica-monitor/internal/config"
	"github.com/advtrack/comunica-monitor/internal/dispatcher"
	"github.com/advtrack/comunica-monitor/internal/id/uuid"
	"github.com/advtrack/comunica-monitor/internal/metrics"
	"github.com/advtrack/comunica-monitor/internal/monitor"
	queuemem "github.com/advtrack/comunica-monitor/internal/queue/memory"
	storemem "github.com/advtrack/comunica-monitor/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type testHarness struct {
	server  *Server
	subs    *storemem.SubscriptionStore
	runs    *storemem.RunStore
	records *storemem.RecordStore
	proxies *storemem.ProxyStore
	alerts  *storemem.AlertStore
	queue   *queuemem.Queue
}

func newTestHarness(t *testing.T, cfg config.Config, proxies ...monitor.ProxyEndpoint) *testHarness {
	t.Helper()
	if cfg.Sync.LookbackYears == 0 {
		cfg.Sync.LookbackYears = 5
	}
	h := &testHarness{
		subs:    storemem.NewSubscriptionStore(),
		runs:    storemem.NewRunStore(),
		records: storemem.NewRecordStore(),
		proxies: storemem.NewProxyStore(proxies...),
		alerts:  storemem.NewAlertStore(),
		queue:   queuemem.NewQueue(16),
	}
	h.server = NewServer(
		h.subs,
		h.runs,
		h.records,
		h.proxies,
		h.alerts,
		dispatcher.New(h.queue, nil),
		uuid.New(),
		system.New(),
		cfg,
		zap.NewNop(),
	)
	return h
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) createSubscription(t *testing.T) monitor.Subscription {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"name":         "MARIA OLIVEIRA",
		"bar_number":   "123456",
		"bar_state":    "SP",
		"callback_url": "https://consumer.example.org/hook",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub monitor.Subscription
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	return sub
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})

	sub := h.createSubscription(t)
	require.NotEmpty(t, sub.ID)
	require.True(t, sub.Active)
	require.True(t, sub.SyncEnabled)
	require.True(t, sub.NewLawyer)

	rec := h.do(t, http.MethodGet, "/v1/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPut, "/v1/subscriptions/"+sub.ID, map[string]any{
		"sync_enabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated monitor.Subscription
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&updated))
	require.False(t, updated.SyncEnabled)
	require.Equal(t, "MARIA OLIVEIRA", updated.Name)

	rec = h.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSubscriptionRequiresName(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{"bar_number": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerScrapeEnqueuesRun(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})
	sub := h.createSubscription(t)

	rec := h.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/scrapes", map[string]any{
		"start_date": "2024-01-01",
		"end_date":   "2024-06-30",
		"court_code": "TJSP",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp["run_id"])

	run, err := h.runs.Get(context.Background(), resp["run_id"])
	require.NoError(t, err)
	require.Equal(t, monitor.RunStatusPending, run.Status)
	require.Equal(t, sub.ID, run.SubscriptionID)
	require.Equal(t, "TJSP", run.CourtCode)
	require.Equal(t, "2024-01-01", run.StartDate.Format("2006-01-02"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, monitor.TaskScrape, task.Kind)
	require.Equal(t, run.ID, task.Payload.RunID)
	require.Equal(t, onDemandScrapePriority, task.Priority)
}

func TestTriggerScrapeEmptyBodyUsesLookback(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})
	sub := h.createSubscription(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions/"+sub.ID+"/scrapes", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	run, err := h.runs.Get(context.Background(), resp["run_id"])
	require.NoError(t, err)

	years := run.EndDate.Year() - run.StartDate.Year()
	require.Equal(t, 5, years)
}

func TestTriggerScrapeRejectsInvertedRange(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})
	sub := h.createSubscription(t)

	rec := h.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/scrapes", map[string]any{
		"start_date": "2024-06-30",
		"end_date":   "2024-01-01",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/v1/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertsListAndResolve(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})

	alert := monitor.Alert{
		ID:        "a-1",
		Severity:  monitor.SeverityCritical,
		Category:  "proxy",
		Title:     "proxy blocked",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.alerts.Append(context.Background(), alert))

	rec := h.do(t, http.MethodGet, "/v1/alerts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "proxy blocked")

	rec = h.do(t, http.MethodPost, "/v1/alerts/a-1/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/alerts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "proxy blocked")
}

func TestListProxiesHidesPassword(t *testing.T) {
	t.Parallel()
	proxy := monitor.ProxyEndpoint{
		ID:       "p-1",
		Host:     "10.0.0.1",
		Port:     3128,
		Username: "user",
		Password: "hunter2",
		Protocol: "http",
		Active:   true,
		Working:  true,
	}
	h := newTestHarness(t, config.Config{}, proxy)

	rec := h.do(t, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "10.0.0.1")
	require.NotContains(t, rec.Body.String(), "hunter2")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	h := newTestHarness(t, cfg)

	rec := h.do(t, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/proxies", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
}

func TestListCaseRecordsNormalizesNumber(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t, config.Config{})
	sub := h.createSubscription(t)

	record := monitor.PublicationRecord{
		ID:              "r-1",
		SubscriptionID:  sub.ID,
		CaseNumber:      "00012345620248260100",
		PublicationDate: time.Now().UTC(),
		DeliveryStatus:  monitor.DeliveryNew,
		InsertedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.records.Insert(context.Background(), record))

	rec := h.do(t, http.MethodGet,
		"/v1/subscriptions/"+sub.ID+"/records/0001234-56.2024.8.26.0100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "r-1")
}
