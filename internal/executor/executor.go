// Package executor implements the background side of the bridge. It owns the
// engine lifecycle and the handle registry, receives requests over a framed
// message channel, runs them one at a time in arrival order, and answers each
// with a response tagged with the request's correlation id.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/seantiz/sqlbridge/internal/engine"
	"github.com/seantiz/sqlbridge/internal/protocol"
)

// inboxSize bounds how many decoded requests wait while the engine loads or
// a slow statement runs. The reader blocks beyond it.
const inboxSize = 256

// ErrNotInitialized is reported when a request is handled before Init ran.
var ErrNotInitialized = errors.New("engine not initialised")

// Executor routes requests to engine connections.
type Executor struct {
	loader  engine.Loader
	logger  *slog.Logger
	handles *Registry

	factory engine.Factory
	initErr error
}

// New creates an executor that will load its engine with loader.
func New(loader engine.Loader, logger *slog.Logger) *Executor {
	return &Executor{
		loader:  loader,
		logger:  logger,
		handles: NewRegistry(),
		initErr: ErrNotInitialized,
	}
}

// Init loads the engine. A failure is remembered: every later request is
// answered with an engine-unavailable error.
func (e *Executor) Init(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine loader panic: %v", r)
		}
		engineLoadDuration.Observe(time.Since(start).Seconds())
		e.initErr = err
		if err != nil {
			e.logger.Error("engine initialisation failed", "error", err)
		} else {
			e.logger.Info("engine ready", "load_ms", time.Since(start).Milliseconds())
		}
	}()

	f, err := e.loader(ctx)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	if f == nil {
		return errors.New("load engine: loader returned no factory")
	}
	e.factory = f
	return nil
}

// Serve runs the executor over rw. Requests are decoded concurrently and
// queued while the engine loads; once loading finishes the ready or failure
// signal is posted and queued requests are answered in arrival order.
//
// Serve returns nil when the peer closes the channel, ctx.Err() on
// cancellation, or the first write error. Open handles are closed on return.
// The caller owns rw and should close it after Serve returns to release the
// reader goroutine.
func (e *Executor) Serve(ctx context.Context, rw io.ReadWriter) error {
	inbox := make(chan protocol.Message, inboxSize)
	readErr := make(chan error, 1)

	go func() {
		defer close(inbox)
		for {
			var msg protocol.Message
			if err := protocol.ReadMessage(rw, &msg); err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					e.logger.Warn("dropping malformed request", "error", err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	defer e.shutdown()

	initErr := e.Init(ctx)
	if err := e.signal(rw, initErr); err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
						e.logger.Info("request channel closed")
						return nil
					}
					return fmt.Errorf("read request: %w", err)
				default:
					return ctx.Err()
				}
			}

			if msg.ID == "" {
				e.logger.Warn("dropping message without correlation id", "action", msg.Action)
				continue
			}

			resp := e.Handle(ctx, &msg)
			if err := protocol.WriteMessage(rw, &resp); err != nil {
				return fmt.Errorf("write response %s: %w", msg.ID, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signal posts the lifecycle message matching the init outcome.
func (e *Executor) signal(w io.Writer, initErr error) error {
	msg := protocol.Message{Ready: true}
	if initErr != nil {
		msg = protocol.Message{Error: &protocol.ErrorPayload{
			Message: initErr.Error(),
			Code:    protocol.CodeEngineUnavailable,
		}}
	}
	if err := protocol.WriteMessage(w, &msg); err != nil {
		return fmt.Errorf("write lifecycle signal: %w", err)
	}
	return nil
}

func (e *Executor) shutdown() {
	n := e.handles.Len()
	if err := e.handles.CloseAll(); err != nil {
		e.logger.Warn("close handles on shutdown", "error", err)
	}
	openHandles.Sub(float64(n))
	if n > 0 {
		e.logger.Info("closed handles on shutdown", "count", n)
	}
}

// Handle runs one request and returns its response. It never panics: engine
// panics are converted into error responses.
func (e *Executor) Handle(ctx context.Context, msg *protocol.Message) (resp protocol.Message) {
	start := time.Now()
	action := actionLabel(msg.Action)

	defer func() {
		if r := recover(); r != nil {
			panicsTotal.Inc()
			e.logger.Error("engine panic",
				"id", msg.ID,
				"action", msg.Action,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp = protocol.NewError(msg.ID, &protocol.ErrorPayload{
				Message: fmt.Sprintf("engine panic: %v", r),
				Code:    protocol.CodePanic,
			})
		}

		outcome := outcomeOK
		if resp.Error != nil {
			outcome = outcomeError
		}
		requestsTotal.WithLabelValues(action, outcome).Inc()
		requestDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}()

	result, perr := e.dispatch(ctx, msg)
	if perr != nil {
		e.logger.Debug("request failed", "id", msg.ID, "action", msg.Action, "error", perr.Message, "code", perr.Code)
		return protocol.NewError(msg.ID, perr)
	}

	resp, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		return protocol.NewError(msg.ID, &protocol.ErrorPayload{Message: err.Error()})
	}
	return resp
}

func (e *Executor) dispatch(ctx context.Context, msg *protocol.Message) (any, *protocol.ErrorPayload) {
	if e.initErr != nil {
		return nil, &protocol.ErrorPayload{
			Message: fmt.Sprintf("engine unavailable: %v", e.initErr),
			Code:    protocol.CodeEngineUnavailable,
		}
	}
	if !msg.Action.Valid() {
		return nil, &protocol.ErrorPayload{
			Message: fmt.Sprintf("unknown action %q", msg.Action),
			Code:    protocol.CodeUnknownAction,
		}
	}

	switch msg.Action {
	case protocol.ActionOpen:
		var p protocol.OpenParams
		if perr := decodeParams(msg, &p); perr != nil {
			return nil, perr
		}
		return e.open(ctx, p)
	case protocol.ActionExec:
		var p protocol.ExecParams
		if perr := decodeParams(msg, &p); perr != nil {
			return nil, perr
		}
		return e.exec(ctx, p)
	case protocol.ActionClose:
		var p protocol.CloseParams
		if perr := decodeParams(msg, &p); perr != nil {
			return nil, perr
		}
		return e.close(p)
	default:
		var p protocol.BatchParams
		if perr := decodeParams(msg, &p); perr != nil {
			return nil, perr
		}
		return e.batch(ctx, p)
	}
}

func decodeParams(msg *protocol.Message, v any) *protocol.ErrorPayload {
	if len(msg.Params) == 0 {
		return &protocol.ErrorPayload{
			Message: fmt.Sprintf("%s: missing params", msg.Action),
			Code:    protocol.CodeBadParams,
		}
	}
	if err := protocol.Decode(msg.Params, v); err != nil {
		return &protocol.ErrorPayload{
			Message: fmt.Sprintf("%s: %v", msg.Action, err),
			Code:    protocol.CodeBadParams,
		}
	}
	return nil
}

func (e *Executor) open(ctx context.Context, p protocol.OpenParams) (any, *protocol.ErrorPayload) {
	conn, err := e.factory.Open(ctx, p.Name, p.Flags)
	if err != nil {
		return nil, engineError(err)
	}

	h := e.handles.Register(conn)
	openHandles.Inc()
	e.logger.Info("handle opened", "handle", h, "name", p.Name, "flags", p.Flags)
	return protocol.OpenResult{Handle: h}, nil
}

func (e *Executor) exec(ctx context.Context, p protocol.ExecParams) (any, *protocol.ErrorPayload) {
	conn, err := e.handles.Lookup(p.Handle)
	if err != nil {
		return nil, handleError(err)
	}
	if p.SQL == "" {
		return emptyResult(), nil
	}

	res, err := conn.Exec(ctx, p.SQL, p.Params)
	if err != nil {
		return nil, engineError(err)
	}
	return res, nil
}

func (e *Executor) close(p protocol.CloseParams) (any, *protocol.ErrorPayload) {
	conn, err := e.handles.Release(p.Handle)
	if err != nil {
		return nil, handleError(err)
	}
	openHandles.Dec()

	if err := conn.Close(); err != nil {
		return nil, engineError(err)
	}
	e.logger.Info("handle closed", "handle", p.Handle)
	return protocol.CloseResult{Closed: true}, nil
}

// batch runs operations in order against one handle. An operation without
// SQL yields an empty result in its slot. The first failure aborts the
// remaining operations; the error reports the failing index and
// the results of the operations that already ran. No transaction is opened
// implicitly: callers wanting atomicity include BEGIN/COMMIT themselves.
func (e *Executor) batch(ctx context.Context, p protocol.BatchParams) (any, *protocol.ErrorPayload) {
	conn, err := e.handles.Lookup(p.Handle)
	if err != nil {
		return nil, handleError(err)
	}

	results := make([]protocol.ExecResult, 0, len(p.Operations))
	for i, op := range p.Operations {
		if op.SQL == "" {
			results = append(results, emptyResult())
			continue
		}
		res, err := conn.Exec(ctx, op.SQL, op.Params)
		if err != nil {
			ee := engine.Wrap(err)
			code := ee.Code
			if code == "" {
				code = protocol.CodeBatchAborted
			}
			idx := i
			e.logger.Debug("batch aborted", "handle", p.Handle, "index", i, "of", len(p.Operations), "error", ee.Message)
			return nil, &protocol.ErrorPayload{
				Message: fmt.Sprintf("batch operation %d failed: %s", i, ee.Message),
				Code:    code,
				Index:   &idx,
				Partial: results,
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// emptyResult answers a statement-less exec.
func emptyResult() protocol.ExecResult {
	return protocol.ExecResult{Rows: []protocol.Row{}}
}

func engineError(err error) *protocol.ErrorPayload {
	ee := engine.Wrap(err)
	return &protocol.ErrorPayload{Message: ee.Message, Code: ee.Code}
}

func handleError(err error) *protocol.ErrorPayload {
	return &protocol.ErrorPayload{Message: err.Error(), Code: protocol.CodeUnknownHandle}
}
