package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/advtrack/comunica-monitor/internal/cnj"
	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// On-demand scrapes outrank scheduled syncs in the queue.
const onDemandScrapePriority = 7

const dateLayout = "2006-01-02"

type subscriptionRequest struct {
	Name         string   `json:"name"`
	BarNumber    string   `json:"bar_number"`
	BarState     string   `json:"bar_state"`
	ExternalID   string   `json:"external_id"`
	CallbackURL  string   `json:"callback_url"`
	CourtFilters []string `json:"court_filters"`
	SyncEnabled  *bool    `json:"sync_enabled"`
	Active       *bool    `json:"active"`
}

type scrapeRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	CourtCode string `json:"court_code"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate id failed")
		return
	}
	sub := monitor.Subscription{
		ID:           id,
		Name:         req.Name,
		BarNumber:    req.BarNumber,
		BarState:     req.BarState,
		ExternalID:   req.ExternalID,
		CallbackURL:  req.CallbackURL,
		CourtFilters: req.CourtFilters,
		Active:       boolOrDefault(req.Active, true),
		SyncEnabled:  boolOrDefault(req.SyncEnabled, true),
		NewLawyer:    true,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.subs.Create(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "create subscription failed")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.Context(), chi.URLParam(r, "subscription_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.Context(), chi.URLParam(r, "subscription_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name != "" {
		sub.Name = req.Name
	}
	if req.BarNumber != "" {
		sub.BarNumber = req.BarNumber
	}
	if req.BarState != "" {
		sub.BarState = req.BarState
	}
	if req.ExternalID != "" {
		sub.ExternalID = req.ExternalID
	}
	if req.CallbackURL != "" {
		sub.CallbackURL = req.CallbackURL
	}
	if req.CourtFilters != nil {
		sub.CourtFilters = req.CourtFilters
	}
	sub.Active = boolOrDefault(req.Active, sub.Active)
	sub.SyncEnabled = boolOrDefault(req.SyncEnabled, sub.SyncEnabled)
	if err := s.subs.Update(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "update subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscription_id")
	if err := s.subs.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.Context(), chi.URLParam(r, "subscription_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	// An empty body means a full-lookback scrape.
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	now := s.clock.Now()
	start := now.AddDate(-s.cfg.Sync.LookbackYears, 0, 0)
	end := now
	if req.StartDate != "" {
		if start, err = time.Parse(dateLayout, req.StartDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date, want YYYY-MM-DD")
			return
		}
	}
	if req.EndDate != "" {
		if end, err = time.Parse(dateLayout, req.EndDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date, want YYYY-MM-DD")
			return
		}
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date before start_date")
		return
	}

	runID, err := s.enqueueRun(r.Context(), sub, start, end, req.CourtCode, now)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) enqueueRun(
	ctx context.Context,
	sub monitor.Subscription,
	start, end time.Time,
	courtCode string,
	now time.Time,
) (string, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	run := monitor.ScrapeRun{
		ID:             runID,
		SubscriptionID: sub.ID,
		StartDate:      start,
		EndDate:        end,
		CourtCode:      courtCode,
		Status:         monitor.RunStatusPending,
		Attempt:        1,
		CreatedAt:      now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task := monitor.Task{
		ID:        runID,
		Kind:      monitor.TaskScrape,
		Priority:  onDemandScrapePriority,
		Attempt:   1,
		Payload:   monitor.TaskPayload{RunID: runID, SubscriptionID: sub.ID},
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, task); err != nil {
		return "", fmt.Errorf("enqueue scrape: %w", err)
	}
	return runID, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	runs, err := s.runs.List(r.Context(), chi.URLParam(r, "subscription_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listCaseRecords(w http.ResponseWriter, r *http.Request) {
	subID := chi.URLParam(r, "subscription_id")
	caseNumber := cnj.Normalize(chi.URLParam(r, "case_number"))
	records, err := s.records.ListByCase(r.Context(), subID, caseNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list records failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	limit := parseLimit(r, 100)
	alerts, err := s.alerts.List(r.Context(), unresolvedOnly, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alert_id")
	if err := s.alerts.Resolve(r.Context(), id, s.clock.Now()); err != nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list proxies failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return def
	}
	return limit
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}
