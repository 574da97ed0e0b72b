package monitor

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoProxyAvailable is returned by Acquire when no endpoint qualifies.
	// Callers proceed with a direct connection.
	ErrNoProxyAvailable = errors.New("no proxy available")
)

// SubscriptionStore persists lawyer subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id string) (Subscription, error)
	Update(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, id string) error
	ListDue(ctx context.Context, before time.Time) ([]Subscription, error)
}

// RecordStore persists publication records.
type RecordStore interface {
	Insert(ctx context.Context, rec PublicationRecord) error
	CaseExists(ctx context.Context, subscriptionID, caseNumber string) (bool, error)
	ListByCase(ctx context.Context, subscriptionID, caseNumber string) ([]PublicationRecord, error)
	DistinctCaseNumbers(ctx context.Context, subscriptionID string) ([]string, error)
	ListPendingDelivery(ctx context.Context, subscriptionID string, limit int) ([]PublicationRecord, error)
	SetDeliveryStatus(ctx context.Context, recordID string, status DeliveryStatus, errText string, at time.Time) error
	Delete(ctx context.Context, recordIDs []string) error
}

// RunStore persists scrape run state and telemetry.
type RunStore interface {
	Create(ctx context.Context, run ScrapeRun) error
	Get(ctx context.Context, id string) (ScrapeRun, error)
	Update(ctx context.Context, run ScrapeRun) error
	List(ctx context.Context, subscriptionID string, limit int) ([]ScrapeRun, error)
}

// ProxyStore persists proxy endpoints. AcquireNext and RecordFailure are
// atomic read-modify-write operations so concurrent sessions cannot both be
// handed the same "most idle" endpoint or race a replacement decision.
type ProxyStore interface {
	// AcquireNext selects an active, working endpoint preferring lowest
	// hourly-usage then least-recently-used, incrementing its usage counter and
	// stamping last-used in the same operation. Returns ErrNoProxyAvailable
	// when nothing qualifies.
	AcquireNext(ctx context.Context, now time.Time) (ProxyEndpoint, error)
	// RecordFailure increments the rolling failure counter, marks the endpoint
	// not working and stores the error text. When blocked is true the endpoint
	// is also marked blocked-by-target. Returns the new consecutive count.
	RecordFailure(ctx context.Context, id string, blocked bool, errText string, now time.Time) (int, error)
	// RecordSuccess clears the failure counter and error, marking the endpoint
	// working and unblocked.
	RecordSuccess(ctx context.Context, id string, now time.Time) error
	MarkNeedsReplacement(ctx context.Context, id string) error
	SetWorking(ctx context.Context, id string, working bool, now time.Time) error
	Get(ctx context.Context, id string) (ProxyEndpoint, error)
	List(ctx context.Context) ([]ProxyEndpoint, error)
	// ResetHourlyCounters zeroes every endpoint's hourly-usage counter.
	ResetHourlyCounters(ctx context.Context) error
}

// AlertStore persists operator alerts.
type AlertStore interface {
	Append(ctx context.Context, alert Alert) error
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]Alert, error)
	Resolve(ctx context.Context, id string, at time.Time) error
	// PruneResolved deletes resolved alerts created before the cutoff.
	PruneResolved(ctx context.Context, before time.Time) (int, error)
}

// SnapshotStore writes diagnostic page snapshots and returns a URI.
type SnapshotStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for background tasks.
// Implementations dequeue higher priority first.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Scraper executes one date-range query and returns normalized records.
// Implementations split ranges wider than the block window internally.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResult, error)
}

// Notifier delivers newly discovered records to a subscription's callback.
type Notifier interface {
	Deliver(ctx context.Context, sub Subscription, records []PublicationRecord) DeliveryReport
}

// Provisioner requests replacement of a burned proxy endpoint. Best effort:
// failures degrade remediation speed, never scraping correctness.
type Provisioner interface {
	Replace(ctx context.Context, endpointID string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
