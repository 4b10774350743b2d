package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFactory(t *testing.T) Factory {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f, err := SQLiteLoader(logger)(context.Background())
	if err != nil {
		t.Fatalf("SQLiteLoader: %v", err)
	}
	return f
}

func openMemory(t *testing.T) Conn {
	t.Helper()
	c, err := newTestFactory(t).Open(context.Background(), ":memory:", "c")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		flags   string
		want    openMode
		wantErr bool
	}{
		{flags: "", want: openMode{create: true, write: true}},
		{flags: "c", want: openMode{create: true, write: true}},
		{flags: "w", want: openMode{write: true}},
		{flags: "r", want: openMode{readOnly: true}},
		{flags: "ct", want: openMode{create: true, write: true, trace: true}},
		{flags: "t", want: openMode{readOnly: true, trace: true}},
		{flags: "rw", wantErr: true},
		{flags: "x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseFlags(tt.flags)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseFlags(%q) succeeded, want error", tt.flags)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFlags(%q): %v", tt.flags, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFlags(%q) = %+v, want %+v", tt.flags, got, tt.want)
		}
	}
}

func TestDSN(t *testing.T) {
	rw := openMode{create: true, write: true}
	if got := rw.dsn(":memory:"); got != ":memory:" {
		t.Errorf("dsn(:memory:) = %q", got)
	}
	if got := rw.dsn(""); got != ":memory:" {
		t.Errorf("dsn(\"\") = %q", got)
	}

	got := rw.dsn("data/app?.db")
	if !strings.HasPrefix(got, "file:data/app%3f.db?mode=rwc") {
		t.Errorf("dsn = %q, want escaped file URI with mode=rwc", got)
	}
	if !strings.Contains(got, "journal_mode(WAL)") {
		t.Errorf("dsn = %q, want WAL pragma", got)
	}

	ro := openMode{readOnly: true}
	got = ro.dsn("app.db")
	if !strings.Contains(got, "mode=ro") || strings.Contains(got, "WAL") {
		t.Errorf("read-only dsn = %q", got)
	}
}

func TestExecRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	if _, err := c.Exec(ctx, "CREATE TABLE t(x INTEGER, s TEXT, b BLOB)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := c.Exec(ctx, "INSERT INTO t VALUES (?, ?, ?)", []any{json.Number("1"), "one", []byte("hi")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("RowsAffected = %d, want 1", res.RowsAffected)
	}
	if res.LastInsertID != 1 {
		t.Errorf("LastInsertID = %d, want 1", res.LastInsertID)
	}

	res, err = c.Exec(ctx, "SELECT x, s, b FROM t", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Columns) != 3 {
		t.Fatalf("Columns = %v, want 3 columns", res.Columns)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("Rows len = %d, want 1", len(res.Rows))
	}
	row := res.Rows[0]
	if row["x"] != int64(1) {
		t.Errorf("x = %#v, want int64(1)", row["x"])
	}
	if row["s"] != "one" {
		t.Errorf("s = %#v, want %q", row["s"], "one")
	}
	if row["b"] != "aGk=" {
		t.Errorf("b = %#v, want base64 %q", row["b"], "aGk=")
	}
}

func TestExecEmptySelect(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	if _, err := c.Exec(ctx, "CREATE TABLE t(x)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := c.Exec(ctx, "SELECT x FROM t", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Rows == nil || len(res.Rows) != 0 {
		t.Errorf("Rows = %#v, want empty non-nil slice", res.Rows)
	}
}

func TestExecErrorCarriesCode(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	if _, err := c.Exec(ctx, "CREATE TABLE t(x UNIQUE)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Exec(ctx, "INSERT INTO t VALUES (1)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := c.Exec(ctx, "INSERT INTO t VALUES (1)", nil)
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ee.Code != "SQLITE_CONSTRAINT" {
		t.Errorf("Code = %q, want SQLITE_CONSTRAINT", ee.Code)
	}

	_, err = c.Exec(ctx, "SELECT * FROM missing", nil)
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ee.Code != "SQLITE_ERROR" {
		t.Errorf("Code = %q, want SQLITE_ERROR", ee.Code)
	}
	if !strings.Contains(ee.Message, "missing") {
		t.Errorf("Message = %q, want table name", ee.Message)
	}
}

func TestOpenFileReadOnlyMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	_, err := newTestFactory(t).Open(context.Background(), path, "r")
	if err == nil {
		t.Fatal("expected error opening missing database read-only")
	}
}

func TestOpenFilePersists(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)
	path := filepath.Join(t.TempDir(), "test.db")

	c, err := f.Open(ctx, path, "c")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.Exec(ctx, "CREATE TABLE t(x)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Exec(ctx, "INSERT INTO t VALUES (42)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := f.Open(ctx, path, "r")
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	res, err := ro.Exec(ctx, "SELECT x FROM t", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["x"] != int64(42) {
		t.Errorf("Rows = %v, want [{x:42}]", res.Rows)
	}

	if _, err := ro.Exec(ctx, "INSERT INTO t VALUES (1)", nil); err == nil {
		t.Error("write on read-only handle succeeded")
	}
}

func TestOpenInvalidFlags(t *testing.T) {
	_, err := newTestFactory(t).Open(context.Background(), ":memory:", "z")
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestNormalizeArgs(t *testing.T) {
	got := normalizeArgs([]any{json.Number("7"), json.Number("1.5"), "s", nil, true})
	if got[0] != int64(7) {
		t.Errorf("got[0] = %#v, want int64(7)", got[0])
	}
	if got[1] != 1.5 {
		t.Errorf("got[1] = %#v, want 1.5", got[1])
	}
	if got[2] != "s" || got[3] != nil || got[4] != true {
		t.Errorf("passthrough values changed: %#v", got[2:])
	}
}
