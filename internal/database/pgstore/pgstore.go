package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CDRRepository on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ database.CDRRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, logger: logger.With("subsystem", "pgstore")}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("postgresql cdr store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := "cdr_" + strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// InsertBatch stores events in one transaction.
func (s *Store) InsertBatch(ctx context.Context, events []models.CDREvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cdr batch: %w", err)
	}
	for i := range events {
		e := &events[i]
		err := tx.QueryRowContext(ctx,
			`INSERT INTO cdr_events (call_id, kind, cause, code, route, duration_ms,
			 source, destination, realm, username, source_ip, account_id,
			 context_id, control_id, base_ip, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 RETURNING id`,
			e.CallID, e.Kind, e.Cause, e.Code, e.Route, e.DurationMs,
			e.Source, e.Destination, e.Realm, e.Username, e.SourceIP, e.AccountID,
			e.ContextID, e.ControlID, e.BaseIP, e.OccurredAt,
		).Scan(&e.ID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting cdr event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cdr batch: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first, along with the
// total count.
func (s *Store) List(ctx context.Context, filter database.CDRListFilter) ([]models.CDREvent, int, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("call_id", filter.CallID)
	add("account_id", filter.AccountID)
	add("kind", filter.Kind)

	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdr_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdr events: %w", err)
	}

	query := `SELECT id, call_id, kind, cause, code, route, duration_ms,
		 source, destination, realm, username, source_ip, account_id,
		 context_id, control_id, base_ip, occurred_at
		 FROM cdr_events WHERE ` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cdr_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired cdr events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cdr events: %w", err)
	}
	return n, nil
}
