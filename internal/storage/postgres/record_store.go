package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// RecordStore implements monitor.RecordStore on Postgres.
type RecordStore struct {
	db DB
}

// NewRecordStore creates a RecordStore on the given pool.
func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

const recordColumns = `
	id, subscription_id, case_number, court_code, publication_date,
	communication_type, raw_text, clean_text, fields, delivery_status,
	delivered_at, delivery_error, inserted_at`

// Insert stores a publication record.
func (s *RecordStore) Insert(ctx context.Context, rec monitor.PublicationRecord) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	query := `
		INSERT INTO publication_records (` + recordColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`
	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.SubscriptionID, rec.CaseNumber, rec.CourtCode, rec.PublicationDate,
		rec.CommunicationType, rec.RawText, rec.CleanText, fieldsJSON, rec.DeliveryStatus,
		rec.DeliveredAt, rec.DeliveryError, rec.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// CaseExists reports whether the subscription already has any record for the
// case.
func (s *RecordStore) CaseExists(ctx context.Context, subscriptionID, caseNumber string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM publication_records
			WHERE subscription_id = $1 AND case_number = $2
		);`
	var exists bool
	if err := s.db.QueryRow(ctx, query, subscriptionID, caseNumber).Scan(&exists); err != nil {
		return false, fmt.Errorf("case exists: %w", err)
	}
	return exists, nil
}

// ListByCase returns every record of one case, newest publication first.
func (s *RecordStore) ListByCase(ctx context.Context, subscriptionID, caseNumber string) ([]monitor.PublicationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM publication_records
		WHERE subscription_id = $1 AND case_number = $2
		ORDER BY publication_date DESC, inserted_at DESC;`
	rows, err := s.db.Query(ctx, query, subscriptionID, caseNumber)
	if err != nil {
		return nil, fmt.Errorf("list case records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// DistinctCaseNumbers returns every case number the subscription has records
// for.
func (s *RecordStore) DistinctCaseNumbers(ctx context.Context, subscriptionID string) ([]string, error) {
	query := `
		SELECT DISTINCT case_number FROM publication_records
		WHERE subscription_id = $1;`
	rows, err := s.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list case numbers: %w", err)
	}
	defer rows.Close()

	var cases []string
	for rows.Next() {
		var caseNumber string
		if err := rows.Scan(&caseNumber); err != nil {
			return nil, fmt.Errorf("scan case number: %w", err)
		}
		cases = append(cases, caseNumber)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case numbers: %w", err)
	}
	return cases, nil
}

// ListPendingDelivery returns records still awaiting successful delivery,
// oldest first.
func (s *RecordStore) ListPendingDelivery(ctx context.Context, subscriptionID string, limit int) ([]monitor.PublicationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM publication_records
		WHERE subscription_id = $1 AND delivery_status IN ($2, $3)
		ORDER BY inserted_at ASC
		LIMIT $4;`
	rows, err := s.db.Query(ctx, query, subscriptionID, monitor.DeliveryNew, monitor.DeliveryError, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SetDeliveryStatus updates one record's delivery state. The delivered
// timestamp is only stamped on a successful send.
func (s *RecordStore) SetDeliveryStatus(ctx context.Context, recordID string, status monitor.DeliveryStatus, errText string, at time.Time) error {
	query := `
		UPDATE publication_records
		SET delivery_status = $2, delivery_error = $3,
			delivered_at = CASE WHEN $2 = $4 THEN $5 ELSE delivered_at END
		WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, recordID, status, errText, monitor.DeliverySent, at)
	if err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// Delete removes the given records.
func (s *RecordStore) Delete(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	query := `DELETE FROM publication_records WHERE id = ANY($1);`
	if _, err := s.db.Exec(ctx, query, recordIDs); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]monitor.PublicationRecord, error) {
	var records []monitor.PublicationRecord
	for rows.Next() {
		var rec monitor.PublicationRecord
		var fieldsJSON []byte
		err := rows.Scan(
			&rec.ID, &rec.SubscriptionID, &rec.CaseNumber, &rec.CourtCode, &rec.PublicationDate,
			&rec.CommunicationType, &rec.RawText, &rec.CleanText, &fieldsJSON, &rec.DeliveryStatus,
			&rec.DeliveredAt, &rec.DeliveryError, &rec.InsertedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}
