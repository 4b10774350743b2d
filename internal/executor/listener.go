package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/sqlbridge/internal/engine"
)

// Listener accepts dispatcher connections on a socket and serves each one
// with its own Executor, so handles are scoped to the connection that
// opened them.
type Listener struct {
	listener net.Listener
	loader   engine.Loader
	logger   *slog.Logger
}

// NewListener creates a listener that serves executors on l.
func NewListener(l net.Listener, loader engine.Loader, logger *slog.Logger) *Listener {
	return &Listener{
		listener: l,
		loader:   loader,
		logger:   logger,
	}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It waits for active connections to finish before returning.
func (l *Listener) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	logger := l.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("dispatcher connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := New(l.loader, logger).Serve(ctx, conn); err != nil && ctx.Err() == nil {
		logger.Warn("executor connection ended", "error", err)
		return
	}
	logger.Info("dispatcher disconnected")
}
