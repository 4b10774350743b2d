// Package bridge assembles a dispatcher and its executor over a chosen
// transport. With the pipe transport the executor runs in-process on its own
// goroutine; every other transport reaches an executor in a child process,
// behind a unix socket, or inside a guest VM.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/sqlbridge/internal/diag"
	"github.com/seantiz/sqlbridge/internal/dispatcher"
	"github.com/seantiz/sqlbridge/internal/engine"
	"github.com/seantiz/sqlbridge/internal/executor"
	"github.com/seantiz/sqlbridge/internal/transport"
)

// executorStopTimeout bounds how long Shutdown waits for an in-process
// executor to finish closing its handles.
const executorStopTimeout = 5 * time.Second

var _ dispatcher.Reporter = (*diag.Broker)(nil)

// Config selects the transport and tunes the dispatcher.
type Config struct {
	Transport    string
	ExecutorAddr string   // unix socket path, or the Firecracker vsock UDS path
	ExecutorPath string   // binary for the process transport
	ExecutorArgs []string // arguments for the process transport
	VsockCID     uint32
	VsockPort    uint32

	CallTimeout time.Duration

	// Loader loads the engine for an in-process executor. Nil means SQLite.
	Loader engine.Loader
	// Reporter receives protocol diagnostics. Optional.
	Reporter dispatcher.Reporter
}

// Bridge is a running dispatcher connected to an executor.
type Bridge struct {
	*dispatcher.Dispatcher

	transport string
	logger    *slog.Logger

	stopExecutor context.CancelFunc
	executorDone chan error // nil unless the executor runs in-process
}

// Start connects a dispatcher to an executor using cfg.Transport. It does
// not wait for the executor to become ready; use Ready for that.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		transport: cfg.Transport,
		logger:    logger,
	}

	conn, err := b.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b.Dispatcher = dispatcher.New(conn, logger.With("component", "dispatcher"), dispatcher.Options{
		CallTimeout: cfg.CallTimeout,
		Reporter:    cfg.Reporter,
	})
	logger.Info("bridge started", "transport", b.transport)
	return b, nil
}

func (b *Bridge) connect(ctx context.Context, cfg Config) (io.ReadWriteCloser, error) {
	switch cfg.Transport {
	case transport.KindPipe, "":
		b.transport = transport.KindPipe
		loader := cfg.Loader
		if loader == nil {
			loader = engine.SQLiteLoader(b.logger.With("component", "engine"))
		}
		near, far := transport.Pipe()

		exCtx, cancel := context.WithCancel(context.Background())
		b.stopExecutor = cancel
		b.executorDone = make(chan error, 1)
		ex := executor.New(loader, b.logger.With("component", "executor"))
		go func() {
			err := ex.Serve(exCtx, far)
			far.Close()
			b.executorDone <- err
		}()
		return near, nil

	case transport.KindProcess:
		p, err := transport.Spawn(context.Background(), cfg.ExecutorPath, cfg.ExecutorArgs...)
		if err != nil {
			return nil, fmt.Errorf("start bridge: %w", err)
		}
		b.logger.Info("executor process started", "path", cfg.ExecutorPath, "pid", p.Pid())
		return p, nil

	case transport.KindUnix:
		conn, err := transport.Dial(ctx, "unix", cfg.ExecutorAddr)
		if err != nil {
			return nil, fmt.Errorf("start bridge: %w", err)
		}
		return conn, nil

	case transport.KindVsock:
		conn, err := transport.DialVsock(ctx, cfg.VsockCID, vsockPort(cfg))
		if err != nil {
			return nil, fmt.Errorf("start bridge: %w", err)
		}
		return conn, nil

	case transport.KindVsockUDS:
		conn, err := transport.DialVsockUDS(ctx, cfg.ExecutorAddr, vsockPort(cfg))
		if err != nil {
			return nil, fmt.Errorf("start bridge: %w", err)
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("start bridge: unknown transport %q", cfg.Transport)
	}
}

func vsockPort(cfg Config) uint32 {
	if cfg.VsockPort == 0 {
		return transport.DefaultVsockPort
	}
	return cfg.VsockPort
}

// Transport returns the transport kind in use.
func (b *Bridge) Transport() string {
	return b.transport
}

// Shutdown closes the channel to the executor, failing any pending calls,
// and stops an in-process executor.
func (b *Bridge) Shutdown() error {
	err := b.Dispatcher.Shutdown()

	if b.executorDone != nil {
		select {
		case exErr := <-b.executorDone:
			if exErr != nil && !errors.Is(exErr, context.Canceled) {
				b.logger.Warn("executor stopped with error", "error", exErr)
			}
		case <-time.After(executorStopTimeout):
			b.stopExecutor()
			b.logger.Warn("executor did not stop in time")
		}
		b.stopExecutor()
	}

	b.logger.Info("bridge stopped", "transport", b.transport)
	return err
}
