package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// RunStore implements monitor.RunStore on Postgres.
type RunStore struct {
	db DB
}

// NewRunStore creates a RunStore on the given pool.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `
	id, subscription_id, start_date, end_date, court_code, status, found,
	new_records, started_at, finished_at, telemetry, block_errors,
	snapshot_uri, error_text, attempt, created_at`

// Create inserts a run row.
func (s *RunStore) Create(ctx context.Context, run monitor.ScrapeRun) error {
	telemetryJSON, err := json.Marshal(run.Telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	query := `
		INSERT INTO scrape_runs (` + runColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16);`
	_, err = s.db.Exec(ctx, query,
		run.ID, run.SubscriptionID, run.StartDate, run.EndDate, run.CourtCode, run.Status, run.Found,
		run.New, run.StartedAt, run.FinishedAt, telemetryJSON, run.BlockErrors,
		run.SnapshotURI, run.ErrorText, run.Attempt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (monitor.ScrapeRun, error) {
	query := `SELECT ` + runColumns + ` FROM scrape_runs WHERE id = $1;`
	run, err := scanRun(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ScrapeRun{}, monitor.ErrNotFound
		}
		return monitor.ScrapeRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Update rewrites the mutable run columns.
func (s *RunStore) Update(ctx context.Context, run monitor.ScrapeRun) error {
	telemetryJSON, err := json.Marshal(run.Telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	query := `
		UPDATE scrape_runs
		SET status = $2, found = $3, new_records = $4, started_at = $5,
			finished_at = $6, telemetry = $7, block_errors = $8,
			snapshot_uri = $9, error_text = $10, attempt = $11
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query,
		run.ID, run.Status, run.Found, run.New, run.StartedAt,
		run.FinishedAt, telemetryJSON, run.BlockErrors,
		run.SnapshotURI, run.ErrorText, run.Attempt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// List returns the subscription's runs, newest first.
func (s *RunStore) List(ctx context.Context, subscriptionID string, limit int) ([]monitor.ScrapeRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM scrape_runs
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2;`
	rows, err := s.db.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []monitor.ScrapeRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (monitor.ScrapeRun, error) {
	var run monitor.ScrapeRun
	var telemetryJSON []byte
	err := row.Scan(
		&run.ID, &run.SubscriptionID, &run.StartDate, &run.EndDate, &run.CourtCode, &run.Status, &run.Found,
		&run.New, &run.StartedAt, &run.FinishedAt, &telemetryJSON, &run.BlockErrors,
		&run.SnapshotURI, &run.ErrorText, &run.Attempt, &run.CreatedAt,
	)
	if err != nil {
		return monitor.ScrapeRun{}, err
	}
	if len(telemetryJSON) > 0 {
		if err := json.Unmarshal(telemetryJSON, &run.Telemetry); err != nil {
			return monitor.ScrapeRun{}, fmt.Errorf("unmarshal telemetry: %w", err)
		}
	}
	return run, nil
}
