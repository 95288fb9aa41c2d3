package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/flowgate/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// InsertBatch stores events in one transaction. IDs are filled in on
// success.
func (r *cdrRepo) InsertBatch(ctx context.Context, events []models.CDREvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cdr batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cdr_events (call_id, kind, cause, code, route, duration_ms,
		 source, destination, realm, username, source_ip, account_id,
		 context_id, control_id, base_ip, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing cdr insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		result, err := stmt.ExecContext(ctx,
			e.CallID, e.Kind, e.Cause, e.Code, e.Route, e.DurationMs,
			e.Source, e.Destination, e.Realm, e.Username, e.SourceIP, e.AccountID,
			e.ContextID, e.ControlID, e.BaseIP, e.OccurredAt.UTC(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting cdr event: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("getting last insert id: %w", err)
		}
		e.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cdr batch: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first, along with the
// total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDREvent, int, error) {
	where := "1=1"
	args := []any{}

	if filter.CallID != "" {
		where += " AND call_id = ?"
		args = append(args, filter.CallID)
	}
	if filter.AccountID != "" {
		where += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM cdr_events WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdr events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, call_id, kind, cause, code, route, duration_ms,
		 source, destination, realm, username, source_ip, account_id,
		 context_id, control_id, base_ip, occurred_at
		 FROM cdr_events WHERE ` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdr events: %w", err)
	}
	defer rows.Close()

	var events []models.CDREvent
	for rows.Next() {
		var e models.CDREvent
		if err := rows.Scan(&e.ID, &e.CallID, &e.Kind, &e.Cause, &e.Code, &e.Route,
			&e.DurationMs, &e.Source, &e.Destination, &e.Realm, &e.Username,
			&e.SourceIP, &e.AccountID, &e.ContextID, &e.ControlID, &e.BaseIP,
			&e.OccurredAt); err != nil {
			return nil, 0, fmt.Errorf("scanning cdr event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating cdr event rows: %w", err)
	}

	return events, total, nil
}

// DeleteBefore removes events older than cutoff.
func (r *cdrRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM cdr_events WHERE occurred_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired cdr events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cdr events: %w", err)
	}
	return n, nil
}
