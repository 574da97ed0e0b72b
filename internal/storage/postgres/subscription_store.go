package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// SubscriptionStore implements monitor.SubscriptionStore on Postgres.
type SubscriptionStore struct {
	db DB
}

// NewSubscriptionStore creates a SubscriptionStore on the given pool.
func NewSubscriptionStore(db DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `
	id, name, bar_number, bar_state, external_id, callback_url, court_filters,
	active, sync_enabled, new_lawyer, last_sync_at, total_records, total_history, created_at`

// Create inserts a subscription row.
func (s *SubscriptionStore) Create(ctx context.Context, sub monitor.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`
	_, err := s.db.Exec(ctx, query,
		sub.ID, sub.Name, sub.BarNumber, sub.BarState, sub.ExternalID, sub.CallbackURL, sub.CourtFilters,
		sub.Active, sub.SyncEnabled, sub.NewLawyer, sub.LastSyncAt, sub.TotalRecords, sub.TotalHistory, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (monitor.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1;`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Subscription{}, monitor.ErrNotFound
		}
		return monitor.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// Update rewrites the mutable subscription columns.
func (s *SubscriptionStore) Update(ctx context.Context, sub monitor.Subscription) error {
	query := `
		UPDATE subscriptions
		SET name = $2, bar_number = $3, bar_state = $4, external_id = $5,
			callback_url = $6, court_filters = $7, active = $8, sync_enabled = $9,
			new_lawyer = $10, last_sync_at = $11, total_records = $12, total_history = $13
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query,
		sub.ID, sub.Name, sub.BarNumber, sub.BarState, sub.ExternalID,
		sub.CallbackURL, sub.CourtFilters, sub.Active, sub.SyncEnabled,
		sub.NewLawyer, sub.LastSyncAt, sub.TotalRecords, sub.TotalHistory,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// Delete removes a subscription and its records.
func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM publication_records WHERE subscription_id = $1;`, id); err != nil {
		return fmt.Errorf("delete subscription records: %w", err)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// ListDue returns active sync-enabled subscriptions never synced or last
// synced before the cutoff.
func (s *SubscriptionStore) ListDue(ctx context.Context, before time.Time) ([]monitor.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE active AND sync_enabled AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY last_sync_at ASC NULLS FIRST;`
	rows, err := s.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []monitor.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription rows: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (monitor.Subscription, error) {
	var sub monitor.Subscription
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.BarNumber, &sub.BarState, &sub.ExternalID,
		&sub.CallbackURL, &sub.CourtFilters, &sub.Active, &sub.SyncEnabled,
		&sub.NewLawyer, &sub.LastSyncAt, &sub.TotalRecords, &sub.TotalHistory, &sub.CreatedAt,
	)
	return sub, err
}
