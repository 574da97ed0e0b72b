package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// ProxyStore implements monitor.ProxyStore on Postgres. The row-locking
// queries keep counter updates atomic across concurrent sessions.
type ProxyStore struct {
	db DB
}

// NewProxyStore creates a ProxyStore on the given pool.
func NewProxyStore(db DB) *ProxyStore {
	return &ProxyStore{db: db}
}

const proxyColumns = `
	id, host, port, username, password, protocol, active, working,
	failure_count, hourly_use_count, blocked_by_target, blocked_at,
	needs_replacement, last_error, last_used_at, last_checked_at`

// AcquireNext picks the least used working endpoint, bumping its counters in
// the same statement. SKIP LOCKED keeps concurrent sessions from being handed
// the same row.
func (s *ProxyStore) AcquireNext(ctx context.Context, now time.Time) (monitor.ProxyEndpoint, error) {
	query := `
		UPDATE proxy_endpoints
		SET hourly_use_count = hourly_use_count + 1, last_used_at = $1
		WHERE id = (
			SELECT id FROM proxy_endpoints
			WHERE active AND working AND NOT needs_replacement AND NOT blocked_by_target
			ORDER BY hourly_use_count ASC, last_used_at ASC NULLS FIRST
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + proxyColumns + `;`
	endpoint, err := scanProxy(s.db.QueryRow(ctx, query, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ProxyEndpoint{}, monitor.ErrNoProxyAvailable
		}
		return monitor.ProxyEndpoint{}, fmt.Errorf("acquire proxy: %w", err)
	}
	return endpoint, nil
}

// RecordFailure bumps the failure counter and marks the endpoint not working,
// returning the new count.
func (s *ProxyStore) RecordFailure(ctx context.Context, id string, blocked bool, errText string, now time.Time) (int, error) {
	query := `
		UPDATE proxy_endpoints
		SET failure_count = failure_count + 1,
			working = FALSE,
			last_error = $2,
			blocked_by_target = blocked_by_target OR $3,
			blocked_at = CASE WHEN $3 THEN $4 ELSE blocked_at END,
			last_checked_at = $4
		WHERE id = $1
		RETURNING failure_count;`
	var count int
	if err := s.db.QueryRow(ctx, query, id, errText, blocked, now).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, monitor.ErrNotFound
		}
		return 0, fmt.Errorf("record proxy failure: %w", err)
	}
	return count, nil
}

// RecordSuccess clears failure state and marks the endpoint working.
func (s *ProxyStore) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE proxy_endpoints
		SET failure_count = 0, working = TRUE, blocked_by_target = FALSE,
			blocked_at = NULL, last_error = '', last_checked_at = $2
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("record proxy success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// MarkNeedsReplacement flags the endpoint for replacement and retires it from
// rotation.
func (s *ProxyStore) MarkNeedsReplacement(ctx context.Context, id string) error {
	query := `
		UPDATE proxy_endpoints
		SET needs_replacement = TRUE, working = FALSE
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark proxy replacement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// SetWorking updates the working flag, stamping the check time.
func (s *ProxyStore) SetWorking(ctx context.Context, id string, working bool, now time.Time) error {
	query := `
		UPDATE proxy_endpoints
		SET working = $2, last_checked_at = $3
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id, working, now)
	if err != nil {
		return fmt.Errorf("set proxy working: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// Get retrieves an endpoint by ID.
func (s *ProxyStore) Get(ctx context.Context, id string) (monitor.ProxyEndpoint, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxy_endpoints WHERE id = $1;`
	endpoint, err := scanProxy(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ProxyEndpoint{}, monitor.ErrNotFound
		}
		return monitor.ProxyEndpoint{}, fmt.Errorf("get proxy: %w", err)
	}
	return endpoint, nil
}

// List returns every endpoint.
func (s *ProxyStore) List(ctx context.Context) ([]monitor.ProxyEndpoint, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxy_endpoints ORDER BY id;`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var endpoints []monitor.ProxyEndpoint
	for rows.Next() {
		endpoint, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy rows: %w", err)
	}
	return endpoints, nil
}

// ResetHourlyCounters zeroes every endpoint's hourly usage counter.
func (s *ProxyStore) ResetHourlyCounters(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `UPDATE proxy_endpoints SET hourly_use_count = 0;`); err != nil {
		return fmt.Errorf("reset hourly counters: %w", err)
	}
	return nil
}

func scanProxy(row pgx.Row) (monitor.ProxyEndpoint, error) {
	var endpoint monitor.ProxyEndpoint
	err := row.Scan(
		&endpoint.ID, &endpoint.Host, &endpoint.Port, &endpoint.Username, &endpoint.Password,
		&endpoint.Protocol, &endpoint.Active, &endpoint.Working,
		&endpoint.FailureCount, &endpoint.HourlyUseCount, &endpoint.BlockedByTarget, &endpoint.BlockedAt,
		&endpoint.NeedsReplacement, &endpoint.LastError, &endpoint.LastUsedAt, &endpoint.LastCheckedAt,
	)
	return endpoint, err
}
