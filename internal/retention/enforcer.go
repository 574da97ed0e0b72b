// Package retention caps how many publication records are kept per case.
package retention

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// DefaultKeepCount is the number of most recent records kept per case.
const DefaultKeepCount = 3

// Enforcer trims each case's record list down to the configured keep count.
type Enforcer struct {
	records   monitor.RecordStore
	logger    *zap.Logger
	keepCount int
}

// NewEnforcer constructs an Enforcer. keepCount values below one fall back to
// the default.
func NewEnforcer(records monitor.RecordStore, keepCount int, logger *zap.Logger) *Enforcer {
	if keepCount < 1 {
		keepCount = DefaultKeepCount
	}
	return &Enforcer{
		records:   records,
		logger:    logger,
		keepCount: keepCount,
	}
}

// EnforceCase trims one case of one subscription, returning how many records
// were deleted.
func (e *Enforcer) EnforceCase(ctx context.Context, subscriptionID, caseNumber string) (int, error) {
	records, err := e.records.ListByCase(ctx, subscriptionID, caseNumber)
	if err != nil {
		return 0, fmt.Errorf("list case records: %w", err)
	}
	if len(records) <= e.keepCount {
		return 0, nil
	}

	// Newest first by publication date, then by insertion time so same-day
	// records have a stable order.
	sort.SliceStable(records, func(a, b int) bool {
		if !records[a].PublicationDate.Equal(records[b].PublicationDate) {
			return records[a].PublicationDate.After(records[b].PublicationDate)
		}
		return records[a].InsertedAt.After(records[b].InsertedAt)
	})

	doomed := make([]string, 0, len(records)-e.keepCount)
	for _, rec := range records[e.keepCount:] {
		doomed = append(doomed, rec.ID)
	}
	if err := e.records.Delete(ctx, doomed); err != nil {
		return 0, fmt.Errorf("delete excess records: %w", err)
	}
	e.logger.Debug("trimmed case records",
		zap.String("subscription_id", subscriptionID),
		zap.String("case_number", caseNumber),
		zap.Int("deleted", len(doomed)),
	)
	return len(doomed), nil
}

// EnforceSubscription sweeps every case of a subscription. Per-case failures
// are logged and the sweep continues; the last error is returned.
func (e *Enforcer) EnforceSubscription(ctx context.Context, subscriptionID string) (int, error) {
	cases, err := e.records.DistinctCaseNumbers(ctx, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("list case numbers: %w", err)
	}

	total := 0
	var lastErr error
	for _, caseNumber := range cases {
		deleted, err := e.EnforceCase(ctx, subscriptionID, caseNumber)
		if err != nil {
			lastErr = err
			e.logger.Warn("case trim failed",
				zap.String("subscription_id", subscriptionID),
				zap.String("case_number", caseNumber),
				zap.Error(err),
			)
			continue
		}
		total += deleted
	}
	return total, lastErr
}
