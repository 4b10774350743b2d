package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/sqlbridge/internal/dispatcher"
	"github.com/seantiz/sqlbridge/internal/engine"
	"github.com/seantiz/sqlbridge/internal/executor"
	"github.com/seantiz/sqlbridge/internal/protocol"
	"github.com/seantiz/sqlbridge/internal/transport"
)

const helperEnv = "SQLBRIDGE_HELPER_EXECUTOR"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestHelperExecutor is not a real test: it is the executor child process
// started by TestProcessTransport.
func TestHelperExecutor(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ex := executor.New(engine.SQLiteLoader(logger), logger)
	if err := ex.Serve(context.Background(), transport.Stdio()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func startReady(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := Start(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown() })

	if err := b.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return b
}

// roundTrip opens a database, creates a table, inserts and reads one row,
// and closes the handle.
func roundTrip(t *testing.T, b *Bridge) {
	t.Helper()
	ctx := context.Background()

	h, err := b.Open(ctx, ":memory:", "c")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Exec(ctx, h, "CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.Exec(ctx, h, "INSERT INTO t VALUES (?)", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := b.Exec(ctx, h, "SELECT x FROM t")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := []protocol.Row{{"x": json.Number("1")}}
	if len(res.Rows) != 1 || res.Rows[0]["x"] != want[0]["x"] {
		t.Errorf("rows = %v, want %v", res.Rows, want)
	}

	if err := b.Close(ctx, h); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	b := startReady(t, Config{Transport: transport.KindPipe})
	if b.Transport() != transport.KindPipe {
		t.Errorf("Transport = %q, want pipe", b.Transport())
	}
	roundTrip(t, b)
}

func TestDefaultTransportIsPipe(t *testing.T) {
	b := startReady(t, Config{})
	if b.Transport() != transport.KindPipe {
		t.Errorf("Transport = %q, want pipe", b.Transport())
	}
}

func TestConcurrentExecNoCrossTalk(t *testing.T) {
	b := startReady(t, Config{})
	ctx := context.Background()

	h, err := b.Open(ctx, ":memory:", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprintf("caller-%d", i)
			res, err := b.Exec(ctx, h, "SELECT ? AS who", want)
			if err != nil {
				errs <- err
				return
			}
			if len(res.Rows) != 1 || res.Rows[0]["who"] != want {
				errs <- fmt.Errorf("caller %d got %v", i, res.Rows)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestExecAfterCloseIsExecutionError(t *testing.T) {
	b := startReady(t, Config{})
	ctx := context.Background()

	h, err := b.Open(ctx, ":memory:", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Close(ctx, h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = b.Exec(ctx, h, "SELECT 1")
	if !errors.Is(err, dispatcher.ErrExecution) {
		t.Errorf("err = %v, want ErrExecution", err)
	}
}

func TestBatchAbortReportsIndex(t *testing.T) {
	b := startReady(t, Config{})
	ctx := context.Background()

	h, err := b.Open(ctx, ":memory:", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	results, err := b.Batch(ctx, h, []protocol.Operation{
		{SQL: "CREATE TABLE t (x)"},
		{SQL: "INSERT INTO missing VALUES (1)"},
		{SQL: "INSERT INTO t VALUES (1)"},
	})
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
	var e *dispatcher.Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *dispatcher.Error", err)
	}
	if e.Index != 1 {
		t.Errorf("Index = %d, want 1", e.Index)
	}
	if len(e.Partial) != 1 {
		t.Errorf("Partial = %d results, want 1", len(e.Partial))
	}

	// The operation after the failure never ran.
	res, err := b.Exec(ctx, h, "SELECT count(*) AS n FROM t")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.Rows[0]["n"] != json.Number("0") {
		t.Errorf("n = %v, want 0", res.Rows[0]["n"])
	}
}

func TestEngineInitFailure(t *testing.T) {
	loader := func(context.Context) (engine.Factory, error) {
		return nil, errors.New("wasm module unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Start(ctx, Config{Loader: loader}, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown()

	if err := b.Ready(ctx); !errors.Is(err, dispatcher.ErrEngineInit) {
		t.Fatalf("Ready = %v, want ErrEngineInit", err)
	}
	for i := range 3 {
		if _, err := b.Open(ctx, fmt.Sprintf("db%d", i), ""); !errors.Is(err, dispatcher.ErrEngineInit) {
			t.Errorf("open %d err = %v, want ErrEngineInit", i, err)
		}
	}
	if b.State() != dispatcher.StateFailed {
		t.Errorf("State = %s, want failed", b.State())
	}
}

func TestShutdownFailsLaterCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Start(ctx, Config{}, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := b.Open(ctx, ":memory:", ""); !errors.Is(err, dispatcher.ErrTerminated) {
		t.Errorf("open after shutdown err = %v, want ErrTerminated", err)
	}
}

func TestUnixTransport(t *testing.T) {
	dir, err := os.MkdirTemp("", "sbb")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s")

	l, err := transport.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = executor.NewListener(l, engine.SQLiteLoader(discardLogger()), discardLogger()).Serve(ctx)
	}()

	b := startReady(t, Config{Transport: transport.KindUnix, ExecutorAddr: path})
	roundTrip(t, b)
}

func TestProcessTransport(t *testing.T) {
	t.Setenv(helperEnv, "1")

	b := startReady(t, Config{
		Transport:    transport.KindProcess,
		ExecutorPath: os.Args[0],
		ExecutorArgs: []string{"-test.run=^TestHelperExecutor$"},
	})
	roundTrip(t, b)
}

func TestUnknownTransport(t *testing.T) {
	if _, err := Start(context.Background(), Config{Transport: "smoke-signal"}, discardLogger()); err == nil {
		t.Fatal("Start succeeded with unknown transport")
	}
}

func TestUnixTransportNoExecutor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, Config{Transport: transport.KindUnix, ExecutorAddr: filepath.Join(t.TempDir(), "none")}, discardLogger())
	var opErr *net.OpError
	if err == nil || (!errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &opErr)) {
		t.Errorf("err = %v, want dial failure", err)
	}
}
