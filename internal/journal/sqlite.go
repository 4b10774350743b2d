package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/sqlbridge/internal/model"

	_ "modernc.org/sqlite"
)

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    handle      INTEGER NOT NULL DEFAULT 0,
    sql_text    TEXT NOT NULL DEFAULT '',
    operations  INTEGER NOT NULL DEFAULT 0,
    outcome     TEXT NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    error_code  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createCallsIndex = `CREATE INDEX IF NOT EXISTS calls_created_at ON calls (created_at)`

const callColumns = `id, action, handle, sql_text, operations, outcome,
	error_kind, error_code, error, duration_ms, created_at`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createCallsTable, createCallsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate calls table: %w", err)
		}
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts a call record.
func (j *SQLiteJournal) Record(ctx context.Context, c *model.Call) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Action, int64(c.Handle), c.SQL, c.Operations, c.Outcome,
		c.ErrorKind, c.ErrorCode, c.Error, c.DurationMS, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*model.Call, error) {
	c := &model.Call{}
	var handle int64
	if err := s.Scan(
		&c.ID, &c.Action, &handle, &c.SQL, &c.Operations, &c.Outcome,
		&c.ErrorKind, &c.ErrorCode, &c.Error, &c.DurationMS, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.Handle = uint64(handle)
	return c, nil
}

// Get retrieves a call record by ID.
func (j *SQLiteJournal) Get(ctx context.Context, id string) (*model.Call, error) {
	c, err := scanCall(j.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// List returns a page of call records, newest first, along with the total
// number of records.
func (j *SQLiteJournal) List(ctx context.Context, limit, offset int) ([]*model.Call, int, error) {
	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*model.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate calls: %w", err)
	}

	return calls, total, nil
}

// Stats returns aggregate counts and the mean call duration.
func (j *SQLiteJournal) Stats(ctx context.Context) (*CallStats, error) {
	stats := &CallStats{
		CountByAction:    make(map[string]int),
		CountByOutcome:   make(map[string]int),
		CountByErrorKind: make(map[string]int),
	}

	if err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM calls",
	).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("aggregate calls: %w", err)
	}

	groups := []struct {
		query string
		into  map[string]int
	}{
		{"SELECT action, COUNT(*) FROM calls GROUP BY action", stats.CountByAction},
		{"SELECT outcome, COUNT(*) FROM calls GROUP BY outcome", stats.CountByOutcome},
		{"SELECT error_kind, COUNT(*) FROM calls WHERE error_kind != '' GROUP BY error_kind", stats.CountByErrorKind},
	}
	for _, g := range groups {
		if err := countInto(ctx, j.db, g.query, g.into); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func countInto(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}
