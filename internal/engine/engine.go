// Package engine provides the SQL engine consumed by the executor: an
// asynchronous loader yielding a connection factory, and the open/exec/close
// primitives the executor routes requests to.
package engine

import (
	"context"
	"errors"
	"strconv"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/sqlbridge/internal/protocol"
)

// Loader initialises the engine module and yields a ready factory.
// It may block; the executor runs it before serving any request.
type Loader func(ctx context.Context) (Factory, error)

// Factory opens engine connections.
type Factory interface {
	// Open returns a live connection for the database called name.
	// flags follow the sqlite3 oo1 convention: c (create), w (read-write),
	// r (read-only), t (trace).
	Open(ctx context.Context, name, flags string) (Conn, error)
}

// Conn is one live engine connection.
type Conn interface {
	// Exec runs a single statement with bound args.
	Exec(ctx context.Context, query string, args []any) (protocol.ExecResult, error)

	// Close releases the connection.
	Close() error
}

// Error is an engine failure with its result code.
type Error struct {
	Message string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// primaryCodes names the SQLite primary result codes.
var primaryCodes = map[int]string{
	sqlite3.SQLITE_ERROR:      "SQLITE_ERROR",
	sqlite3.SQLITE_INTERNAL:   "SQLITE_INTERNAL",
	sqlite3.SQLITE_PERM:       "SQLITE_PERM",
	sqlite3.SQLITE_ABORT:      "SQLITE_ABORT",
	sqlite3.SQLITE_BUSY:       "SQLITE_BUSY",
	sqlite3.SQLITE_LOCKED:     "SQLITE_LOCKED",
	sqlite3.SQLITE_NOMEM:      "SQLITE_NOMEM",
	sqlite3.SQLITE_READONLY:   "SQLITE_READONLY",
	sqlite3.SQLITE_INTERRUPT:  "SQLITE_INTERRUPT",
	sqlite3.SQLITE_IOERR:      "SQLITE_IOERR",
	sqlite3.SQLITE_CORRUPT:    "SQLITE_CORRUPT",
	sqlite3.SQLITE_FULL:       "SQLITE_FULL",
	sqlite3.SQLITE_CANTOPEN:   "SQLITE_CANTOPEN",
	sqlite3.SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
	sqlite3.SQLITE_MISMATCH:   "SQLITE_MISMATCH",
	sqlite3.SQLITE_MISUSE:     "SQLITE_MISUSE",
	sqlite3.SQLITE_RANGE:      "SQLITE_RANGE",
	sqlite3.SQLITE_NOTADB:     "SQLITE_NOTADB",
	sqlite3.SQLITE_TOOBIG:     "SQLITE_TOOBIG",
}

// Wrap converts err into an *Error, extracting the SQLite result code when
// one is available. A nil err returns nil.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	return &Error{Message: err.Error(), Code: CodeOf(err), Err: err}
}

// CodeOf returns the symbolic SQLite result code carried by err, or "".
// Extended codes are reduced to their primary code name.
func CodeOf(err error) string {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return ""
	}
	code := se.Code()
	if name, ok := primaryCodes[code&0xff]; ok {
		return name
	}
	return strconv.Itoa(code)
}
