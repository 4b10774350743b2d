package engine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/sqlbridge/internal/protocol"
)

const (
	memoryName   = ":memory:"
	busyTimeout  = 5000
	traceMaxSQL  = 200
	defaultFlags = "c"
)

var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// openMode is the parsed form of an oo1 flag string.
type openMode struct {
	create   bool
	write    bool
	readOnly bool
	trace    bool
}

func parseFlags(flags string) (openMode, error) {
	if flags == "" {
		flags = defaultFlags
	}
	var m openMode
	for _, f := range flags {
		switch f {
		case 'c':
			m.create = true
			m.write = true
		case 'w':
			m.write = true
		case 'r':
			m.readOnly = true
		case 't':
			m.trace = true
		default:
			return openMode{}, fmt.Errorf("invalid open flag %q in %q", f, flags)
		}
	}
	if m.readOnly && m.write {
		return openMode{}, fmt.Errorf("conflicting open flags %q", flags)
	}
	if !m.write {
		m.readOnly = true
	}
	return m, nil
}

// dsn builds a modernc.org/sqlite URI filename for name opened with m.
func (m openMode) dsn(name string) string {
	if name == "" || name == memoryName {
		return memoryName
	}

	mode := "ro"
	switch {
	case m.create:
		mode = "rwc"
	case m.write:
		mode = "rw"
	}

	q := []string{"mode=" + mode, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout)}
	if !m.readOnly {
		q = append(q, "_pragma=journal_mode(WAL)")
	}
	return "file:" + uriEscaper.Replace(name) + "?" + strings.Join(q, "&")
}

// SQLiteLoader returns a Loader backed by modernc.org/sqlite. Loading probes
// the engine on a scratch in-memory database.
func SQLiteLoader(logger *slog.Logger) Loader {
	return func(ctx context.Context) (Factory, error) {
		db, err := sql.Open("sqlite", memoryName)
		if err != nil {
			return nil, fmt.Errorf("open probe database: %w", err)
		}
		defer db.Close()

		var version string
		if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
			return nil, fmt.Errorf("probe sqlite version: %w", err)
		}

		logger.Info("sqlite engine loaded", "version", version)
		return &sqliteFactory{logger: logger}, nil
	}
}

type sqliteFactory struct {
	logger *slog.Logger
}

// Open opens name with the given flags and verifies the database is reachable.
func (f *sqliteFactory) Open(ctx context.Context, name, flags string) (Conn, error) {
	mode, err := parseFlags(flags)
	if err != nil {
		return nil, &Error{Message: err.Error(), Code: "SQLITE_MISUSE", Err: err}
	}

	db, err := sql.Open("sqlite", mode.dsn(name))
	if err != nil {
		return nil, Wrap(fmt.Errorf("open %s: %w", name, err))
	}

	// One connection per handle: statements for a handle always share the
	// same SQLite connection, so in-memory databases and changes() persist.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Wrap(err)
	}

	c := &sqliteConn{db: db, name: name}
	if mode.trace {
		c.logger = f.logger.With("db", name)
	}
	return c, nil
}

type sqliteConn struct {
	db     *sql.DB
	name   string
	logger *slog.Logger // non-nil when tracing
}

// Exec runs query and collects any produced rows. Statements that produce
// no columns report rows affected and the last insert rowid instead.
func (c *sqliteConn) Exec(ctx context.Context, query string, args []any) (protocol.ExecResult, error) {
	if c.logger != nil {
		c.logger.Debug("sqlite trace", "sql", truncate(query, traceMaxSQL), "args", len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, normalizeArgs(args)...)
	if err != nil {
		return protocol.ExecResult{}, Wrap(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return protocol.ExecResult{}, Wrap(err)
	}

	result := protocol.ExecResult{Rows: []protocol.Row{}}
	if len(cols) == 0 {
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			return protocol.ExecResult{}, Wrap(err)
		}
		if err := rows.Close(); err != nil {
			return protocol.ExecResult{}, Wrap(err)
		}
		if err := c.db.QueryRowContext(ctx, "SELECT changes(), last_insert_rowid()").
			Scan(&result.RowsAffected, &result.LastInsertID); err != nil {
			return protocol.ExecResult{}, Wrap(fmt.Errorf("read changes: %w", err))
		}
		return result, nil
	}

	result.Columns = cols
	scanArgs := make([]any, len(cols))
	scanPtrs := make([]any, len(cols))
	for i := range scanArgs {
		scanPtrs[i] = &scanArgs[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return protocol.ExecResult{}, Wrap(fmt.Errorf("scan row: %w", err))
		}
		row := make(protocol.Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(scanArgs[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return protocol.ExecResult{}, Wrap(err)
	}

	return result, nil
}

// Close releases the underlying database.
func (c *sqliteConn) Close() error {
	if err := c.db.Close(); err != nil {
		return Wrap(err)
	}
	return nil
}

// normalizeArgs converts decoded JSON values into driver-friendly values.
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else if f, err := v.Float64(); err == nil {
				out[i] = f
			} else {
				out[i] = v.String()
			}
		default:
			out[i] = a
		}
	}
	return out
}

// normalizeValue makes a scanned value JSON-safe.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
