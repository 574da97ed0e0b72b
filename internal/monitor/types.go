// Package monitor defines core types shared across subsystems.
package monitor

import (
	"fmt"
	"net/url"
	"time"
)

// RunStatus represents the lifecycle state of a scrape run.
type RunStatus string

// Run status values persisted in the run store. Terminal states are final;
// retries always create a new run.
const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusError   RunStatus = "error"
)

// DeliveryStatus tracks the callback delivery state of a publication record.
type DeliveryStatus string

// Delivery status values.
const (
	DeliveryNew     DeliveryStatus = "new"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryError   DeliveryStatus = "error"
	DeliveryIgnored DeliveryStatus = "ignored"
)

// AlertSeverity grades operator-facing alerts.
type AlertSeverity string

// Alert severities, mildest first.
const (
	SeverityInfo     AlertSeverity = "info"
	SeverityAlert    AlertSeverity = "alert"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Subscription represents one monitored lawyer and the downstream consumer
// interested in their publications.
type Subscription struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	BarNumber    string     `json:"bar_number"`
	BarState     string     `json:"bar_state"`
	ExternalID   string     `json:"external_id,omitempty"`
	CallbackURL  string     `json:"callback_url,omitempty"`
	CourtFilters []string   `json:"court_filters,omitempty"`
	Active       bool       `json:"active"`
	SyncEnabled  bool       `json:"sync_enabled"`
	NewLawyer    bool       `json:"new_lawyer"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	TotalRecords int64      `json:"total_records"`
	TotalHistory int64      `json:"total_history"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ExtractedFields holds the structured fields pulled out of a publication's
// raw text. Every field is best-effort; empty means the extractor found nothing.
type ExtractedFields struct {
	Plaintiff    string   `json:"plaintiff,omitempty"`
	Defendant    string   `json:"defendant,omitempty"`
	Venue        string   `json:"venue,omitempty"`
	CaseClass    string   `json:"case_class,omitempty"`
	DecidingBody string   `json:"deciding_body,omitempty"`
	Attorneys    []string `json:"attorneys,omitempty"`
}

// PublicationRecord is one court communication for one case number, owned by
// exactly one subscription. CaseNumber is stored normalized (digits only).
type PublicationRecord struct {
	ID                string          `json:"id"`
	SubscriptionID    string          `json:"subscription_id"`
	CaseNumber        string          `json:"case_number"`
	CourtCode         string          `json:"court_code,omitempty"`
	PublicationDate   time.Time       `json:"publication_date"`
	CommunicationType string          `json:"communication_type,omitempty"`
	RawText           string          `json:"raw_text,omitempty"`
	CleanText         string          `json:"clean_text,omitempty"`
	Fields            ExtractedFields `json:"fields"`
	DeliveryStatus    DeliveryStatus  `json:"delivery_status"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	DeliveryError     string          `json:"delivery_error,omitempty"`
	InsertedAt        time.Time       `json:"inserted_at"`
}

// ScrapedRecord is the pre-persistence form of a publication produced by a
// scrape session, before ownership and delivery state are attached.
type ScrapedRecord struct {
	CaseNumber        string
	CourtCode         string
	PublicationDate   time.Time
	CommunicationType string
	RawText           string
	CleanText         string
	Fields            ExtractedFields
}

// RunTelemetry aggregates per-run observability counters. Block schedulers sum
// the counters and OR the flags across blocks.
type RunTelemetry struct {
	PagesNavigated  int    `json:"pages_navigated"`
	BlocksProcessed int    `json:"blocks_processed"`
	CaptchaDetected bool   `json:"captcha_detected"`
	BlockDetected   bool   `json:"block_detected"`
	APIIntercepted  bool   `json:"api_intercepted"`
	ProxyID         string `json:"proxy_id,omitempty"`
}

// Merge folds another telemetry sample into this one.
func (t *RunTelemetry) Merge(other RunTelemetry) {
	t.PagesNavigated += other.PagesNavigated
	t.BlocksProcessed += other.BlocksProcessed
	t.CaptchaDetected = t.CaptchaDetected || other.CaptchaDetected
	t.BlockDetected = t.BlockDetected || other.BlockDetected
	t.APIIntercepted = t.APIIntercepted || other.APIIntercepted
	if t.ProxyID == "" {
		t.ProxyID = other.ProxyID
	}
}

// ScrapeRun is one execution of a date-range query for a subscription.
type ScrapeRun struct {
	ID             string       `json:"id"`
	SubscriptionID string       `json:"subscription_id"`
	StartDate      time.Time    `json:"start_date"`
	EndDate        time.Time    `json:"end_date"`
	CourtCode      string       `json:"court_code,omitempty"`
	Status         RunStatus    `json:"status"`
	Found          int          `json:"found"`
	New            int          `json:"new"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	Telemetry      RunTelemetry `json:"telemetry"`
	BlockErrors    []string     `json:"block_errors,omitempty"`
	SnapshotURI    string       `json:"snapshot_uri,omitempty"`
	ErrorText      string       `json:"error_text,omitempty"`
	Attempt        int          `json:"attempt"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ProxyEndpoint is a shared outbound network identity. It is mutated by
// concurrently running sessions; counter updates must go through the store's
// atomic operations.
type ProxyEndpoint struct {
	ID               string     `json:"id"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Username         string     `json:"username,omitempty"`
	Password         string     `json:"-"`
	Protocol         string     `json:"protocol"`
	Active           bool       `json:"active"`
	Working          bool       `json:"working"`
	FailureCount     int        `json:"failure_count"`
	HourlyUseCount   int        `json:"hourly_use_count"`
	BlockedByTarget  bool       `json:"blocked_by_target"`
	BlockedAt        *time.Time `json:"blocked_at,omitempty"`
	NeedsReplacement bool       `json:"needs_replacement"`
	LastError        string     `json:"last_error,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
}

// URL renders the endpoint as a proxy URL suitable for browser or HTTP
// transport configuration.
func (p ProxyEndpoint) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Alert is an append-only operator-facing log entry.
type Alert struct {
	ID             string        `json:"id"`
	Severity       AlertSeverity `json:"severity"`
	Category       string        `json:"category"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	ProxyID        string        `json:"proxy_id,omitempty"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	RunID          string        `json:"run_id,omitempty"`
	Read           bool          `json:"read"`
	Resolved       bool          `json:"resolved"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

// TaskKind names the work types the queue carries.
type TaskKind string

// Queue task kinds.
const (
	TaskScrape       TaskKind = "scrape"
	TaskProxyReplace TaskKind = "proxy_replace"
	TaskResend       TaskKind = "resend_pending"
)

// TaskPayload carries the identifiers a task operates on.
type TaskPayload struct {
	RunID          string `json:"run_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ProxyID        string `json:"proxy_id,omitempty"`
}

// Task wraps a unit of queued work. Higher Priority dequeues first.
type Task struct {
	ID        string      `json:"id"`
	Kind      TaskKind    `json:"kind"`
	Priority  int         `json:"priority"`
	Attempt   int         `json:"attempt"`
	Payload   TaskPayload `json:"payload"`
	Submitted int64       `json:"submitted"`
}

// ScrapeRequest describes one bounded-date-range query against the target.
// Start and End are inclusive calendar dates.
type ScrapeRequest struct {
	LawyerName string
	Start      time.Time
	End        time.Time
	CourtCode  string
}

// ScrapeResult is what a scraper returns for one request: deduplicated records
// plus telemetry, with per-block errors when the range was split.
type ScrapeResult struct {
	Records     []ScrapedRecord
	Telemetry   RunTelemetry
	BlockErrors []string
	// SnapshotURI points at a stored page snapshot when a failing session
	// captured one for diagnostics.
	SnapshotURI string
}

// DeliveryReport summarizes one notifier batch.
type DeliveryReport struct {
	Attempted int      `json:"attempted"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Skipped   bool     `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}
