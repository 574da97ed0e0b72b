package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// AlertStore implements monitor.AlertStore on Postgres.
type AlertStore struct {
	db DB
}

// NewAlertStore creates an AlertStore on the given pool.
func NewAlertStore(db DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `
	id, severity, category, title, message, proxy_id, subscription_id,
	run_id, read, resolved, created_at, resolved_at`

// Append inserts an alert row.
func (s *AlertStore) Append(ctx context.Context, alert monitor.Alert) error {
	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`
	_, err := s.db.Exec(ctx, query,
		alert.ID, alert.Severity, alert.Category, alert.Title, alert.Message,
		alert.ProxyID, alert.SubscriptionID, alert.RunID, alert.Read,
		alert.Resolved, alert.CreatedAt, alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// List returns alerts newest first, optionally only unresolved ones.
func (s *AlertStore) List(ctx context.Context, unresolvedOnly bool, limit int) ([]monitor.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE NOT $1::boolean OR NOT resolved
		ORDER BY created_at DESC
		LIMIT $2;`
	rows, err := s.db.Query(ctx, query, unresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []monitor.Alert
	for rows.Next() {
		var alert monitor.Alert
		err := rows.Scan(
			&alert.ID, &alert.Severity, &alert.Category, &alert.Title, &alert.Message,
			&alert.ProxyID, &alert.SubscriptionID, &alert.RunID, &alert.Read,
			&alert.Resolved, &alert.CreatedAt, &alert.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return alerts, nil
}

// Resolve marks an alert resolved at the given time.
func (s *AlertStore) Resolve(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE alerts
		SET resolved = TRUE, read = TRUE, resolved_at = $2
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// PruneResolved deletes resolved alerts created before the cutoff.
func (s *AlertStore) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	query := `DELETE FROM alerts WHERE resolved AND created_at < $1;`
	tag, err := s.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
