// Package dispatcher implements the caller side of the bridge. It turns
// open/exec/close/batch calls into correlated request messages, tracks each
// outstanding call in a pending-call table, and settles every call exactly
// once: by its matching response, by timeout, by cancellation, or when the
// executor becomes unavailable.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/sqlbridge/internal/diag"
	"github.com/seantiz/sqlbridge/internal/model"
	"github.com/seantiz/sqlbridge/internal/protocol"
)

// DefaultCallTimeout bounds how long a call waits for its response.
const DefaultCallTimeout = 30 * time.Second

// State is the dispatcher's view of the executor.
type State string

// Executor states.
const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

// Reporter receives protocol diagnostics.
type Reporter interface {
	Report(ev diag.Event)
}

// Options configures a Dispatcher.
type Options struct {
	// CallTimeout bounds each pending call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// Reporter receives protocol diagnostics. Optional.
	Reporter Reporter
}

type outcome struct {
	result json.RawMessage
	err    error
}

// call is one entry in the pending-call table.
type call struct {
	id     string
	action protocol.Action
	start  time.Time
	timer  *time.Timer
	done   chan outcome
}

// deadliner is implemented by connections that support write deadlines.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Dispatcher issues requests to an executor over conn. It is safe for
// concurrent use by multiple goroutines.
type Dispatcher struct {
	conn     io.ReadWriteCloser
	logger   *slog.Logger
	timeout  time.Duration
	reporter Reporter

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*call
	state   State
	fatal   *Error // set once the executor is failed or terminated

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// New starts a dispatcher reading responses from conn.
func New(conn io.ReadWriteCloser, logger *slog.Logger, opts Options) *Dispatcher {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	d := &Dispatcher{
		conn:     conn,
		logger:   logger,
		timeout:  timeout,
		reporter: opts.Reporter,
		pending:  make(map[string]*call),
		state:    StateStarting,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// Open opens the named database and returns its handle.
func (d *Dispatcher) Open(ctx context.Context, name, flags string) (protocol.Handle, error) {
	c, raw, err := d.call(ctx, protocol.ActionOpen, protocol.OpenParams{Name: name, Flags: flags})
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, protocolError(c, "open response carries no handle")
	}

	var res protocol.OpenResult
	if err := protocol.Decode(raw, &res); err != nil {
		return 0, protocolError(c, "decode open result: %v", err)
	}
	if res.Handle == 0 {
		return 0, protocolError(c, "open response carries no handle")
	}
	return res.Handle, nil
}

// Exec runs one statement against h.
func (d *Dispatcher) Exec(ctx context.Context, h protocol.Handle, sql string, args ...any) (*protocol.ExecResult, error) {
	c, raw, err := d.call(ctx, protocol.ActionExec, protocol.ExecParams{Handle: h, SQL: sql, Params: args})
	if err != nil {
		return nil, err
	}

	res := &protocol.ExecResult{Rows: []protocol.Row{}}
	if len(raw) == 0 {
		return res, nil
	}
	if err := protocol.Decode(raw, res); err != nil {
		return nil, protocolError(c, "decode exec result: %v", err)
	}
	if res.Rows == nil {
		res.Rows = []protocol.Row{}
	}
	return res, nil
}

// Close releases h. The handle must not be used afterwards.
func (d *Dispatcher) Close(ctx context.Context, h protocol.Handle) error {
	_, _, err := d.call(ctx, protocol.ActionClose, protocol.CloseParams{Handle: h})
	return err
}

// Batch runs ops in order against h in one round trip. On failure the
// returned *Error carries the failing Index and the Partial results.
func (d *Dispatcher) Batch(ctx context.Context, h protocol.Handle, ops []protocol.Operation) ([]protocol.ExecResult, error) {
	if ops == nil {
		ops = []protocol.Operation{}
	}
	c, raw, err := d.call(ctx, protocol.ActionBatch, protocol.BatchParams{Handle: h, Operations: ops})
	if err != nil {
		return nil, err
	}

	results := []protocol.ExecResult{}
	if len(raw) == 0 {
		if len(ops) != 0 {
			return nil, protocolError(c, "batch response carries no results for %d operations", len(ops))
		}
		return results, nil
	}
	if err := protocol.Decode(raw, &results); err != nil {
		return nil, protocolError(c, "decode batch result: %v", err)
	}
	if len(results) != len(ops) {
		return nil, protocolError(c, "batch returned %d results for %d operations", len(results), len(ops))
	}
	return results, nil
}

// Ready blocks until the executor signals readiness, reports an engine
// initialisation failure, or terminates.
func (d *Dispatcher) Ready(ctx context.Context) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	return nil
}

// State reports the dispatcher's view of the executor.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pending returns the number of outstanding calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Shutdown closes the channel to the executor, fails all pending calls,
// and waits for the read loop to exit.
func (d *Dispatcher) Shutdown() error {
	err := d.conn.Close()
	<-d.done
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close executor channel: %w", err)
	}
	return nil
}

// call registers a pending entry, sends the request, and waits for it to
// settle.
func (d *Dispatcher) call(ctx context.Context, action protocol.Action, params any) (*call, json.RawMessage, error) {
	c := &call{
		id:     model.NewID(),
		action: action,
		done:   make(chan outcome, 1),
	}

	msg, err := protocol.NewRequest(c.id, action, params)
	if err != nil {
		return c, nil, &Error{Kind: KindProtocol, Action: action, Message: err.Error(), Index: -1, Err: err}
	}

	d.mu.Lock()
	if d.fatal != nil {
		fatal := *d.fatal
		d.mu.Unlock()
		fatal.Action = action
		callsTotal.WithLabelValues(string(action), fatal.Kind.String()).Inc()
		return c, nil, &fatal
	}
	if _, dup := d.pending[c.id]; dup {
		d.mu.Unlock()
		return c, nil, &Error{Kind: KindProtocol, Action: action, ID: c.id, Message: "correlation id already in flight", Index: -1}
	}
	c.start = time.Now()
	d.pending[c.id] = c
	pendingCalls.Inc()
	c.timer = time.AfterFunc(d.timeout, func() {
		d.settle(c.id, outcome{err: &Error{
			Kind:    KindTimeout,
			Action:  action,
			ID:      c.id,
			Message: fmt.Sprintf("no response within %s", d.timeout),
			Index:   -1,
		}})
	})
	d.mu.Unlock()

	if err := d.send(&msg); err != nil {
		d.settle(c.id, outcome{err: &Error{
			Kind:    KindTerminated,
			Action:  action,
			ID:      c.id,
			Message: "send request",
			Index:   -1,
			Err:     err,
		}})
		d.abandon(err)
	}

	select {
	case o := <-c.done:
		return c, o.result, o.err
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = &Error{Kind: KindTimeout, Action: action, ID: c.id, Message: "caller deadline exceeded", Index: -1, Err: cause}
		}
		d.settle(c.id, outcome{err: cause})
		o := <-c.done
		return c, o.result, o.err
	}
}

func (d *Dispatcher) send(msg *protocol.Message) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if dl, ok := d.conn.(deadliner); ok {
		_ = dl.SetWriteDeadline(time.Now().Add(d.timeout))
	}
	return protocol.WriteMessage(d.conn, msg)
}

// abandon closes the channel after a failed send. A frame may have been
// cut short, so nothing written after it could be framed correctly. The
// read loop then terminates the dispatcher.
func (d *Dispatcher) abandon(cause error) {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = &Error{Kind: KindTerminated, Message: "executor channel closed after failed send", Index: -1, Err: cause}
	}
	d.mu.Unlock()

	d.logger.Error("send failed, closing executor channel", "error", cause)
	_ = d.conn.Close()
}

// take removes id from the pending table. It returns nil if the call was
// already settled or never existed.
func (d *Dispatcher) take(id string) *call {
	d.mu.Lock()
	c, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	pendingCalls.Dec()
	if c.timer != nil {
		c.timer.Stop()
	}
	return c
}

func (c *call) deliver(o outcome) {
	callsTotal.WithLabelValues(string(c.action), outcomeLabel(o.err)).Inc()
	callDuration.WithLabelValues(string(c.action)).Observe(time.Since(c.start).Seconds())
	c.done <- o
}

// settle completes id with o if it is still pending.
func (d *Dispatcher) settle(id string, o outcome) bool {
	c := d.take(id)
	if c == nil {
		return false
	}
	c.deliver(o)
	return true
}

func (d *Dispatcher) readLoop() {
	defer close(d.done)
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(d.conn, &msg); err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				d.violation(diag.ReasonDecode, "", err.Error())
				continue
			}
			d.terminate(err)
			return
		}
		d.route(&msg)
	}
}

// route delivers one inbound message.
func (d *Dispatcher) route(msg *protocol.Message) {
	switch {
	case msg.IsReady():
		d.markReady()
		return
	case msg.IsInitFailure():
		d.failInit(msg.Error)
		return
	case msg.ID == "":
		d.violation(diag.ReasonMissingID, "", "message without correlation id")
		return
	case msg.Action != "":
		d.violation(diag.ReasonUnexpectedType, msg.ID, fmt.Sprintf("request-shaped message with action %q", msg.Action))
		return
	}

	c := d.take(msg.ID)
	if c == nil {
		if msg.Error != nil && msg.Error.Code == protocol.CodeEngineUnavailable && d.State() == StateFailed {
			// Answer to a call already failed by the init-failure broadcast.
			d.logger.Debug("late engine-unavailable response", "id", msg.ID)
			return
		}
		d.violation(diag.ReasonUnknownID, msg.ID, "response for unknown or already settled call")
		return
	}

	if msg.Error != nil {
		c.deliver(outcome{err: fromPayload(c, msg.Error)})
		return
	}
	c.deliver(outcome{result: msg.Result})
}

func (d *Dispatcher) markReady() {
	d.mu.Lock()
	if d.state != StateStarting {
		state := d.state
		d.mu.Unlock()
		d.violation(diag.ReasonDuplicateReady, "", fmt.Sprintf("ready signal in state %s", state))
		return
	}
	d.state = StateReady
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info("executor ready")
}

// failInit records an engine initialisation failure and fails every
// pending call with it. Later calls fail without being sent.
func (d *Dispatcher) failInit(p *protocol.ErrorPayload) {
	d.mu.Lock()
	if d.state == StateFailed || d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.state = StateFailed
	d.fatal = &Error{Kind: KindEngineInit, Message: p.Message, Code: p.Code, Index: -1}
	calls := d.drainLocked()
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Error("executor engine initialisation failed", "error", p.Message, "pending", len(calls))

	for _, c := range calls {
		c.deliver(outcome{err: &Error{
			Kind:    KindEngineInit,
			Action:  c.action,
			ID:      c.id,
			Message: p.Message,
			Code:    p.Code,
			Index:   -1,
		}})
	}
}

// terminate fails every pending call after the read side of the channel
// is gone.
func (d *Dispatcher) terminate(cause error) {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = &Error{Kind: KindTerminated, Message: "executor channel closed", Index: -1, Err: cause}
	}
	d.state = StateTerminated
	calls := d.drainLocked()
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })

	if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrClosedPipe) {
		d.logger.Info("executor channel closed", "pending", len(calls))
	} else {
		d.logger.Error("executor channel failed", "error", cause, "pending", len(calls))
	}

	for _, c := range calls {
		c.deliver(outcome{err: &Error{
			Kind:    KindTerminated,
			Action:  c.action,
			ID:      c.id,
			Message: "executor channel closed",
			Index:   -1,
			Err:     cause,
		}})
	}
}

// drainLocked empties the pending table. d.mu must be held.
func (d *Dispatcher) drainLocked() []*call {
	calls := make([]*call, 0, len(d.pending))
	for id, c := range d.pending {
		delete(d.pending, id)
		if c.timer != nil {
			c.timer.Stop()
		}
		calls = append(calls, c)
	}
	pendingCalls.Sub(float64(len(calls)))
	return calls
}

// violation reports a protocol fault that belongs to no pending call.
func (d *Dispatcher) violation(reason, id, message string) {
	protocolViolations.WithLabelValues(reason).Inc()
	d.logger.Warn("protocol violation", "reason", reason, "id", id, "message", message)
	if d.reporter != nil {
		d.reporter.Report(diag.Event{Reason: reason, ID: id, Message: message})
	}
}
