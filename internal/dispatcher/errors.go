package dispatcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/sqlbridge/internal/protocol"
)

// Kind classifies a call failure.
type Kind int

// Failure kinds.
const (
	// KindExecution is an engine-level failure scoped to one call.
	KindExecution Kind = iota + 1
	// KindProtocol is a bridge-level fault: a malformed response, an
	// unrecognised action, or a result that breaks the action's contract.
	KindProtocol
	// KindEngineInit means the executor's engine never became available.
	KindEngineInit
	// KindTimeout means no response arrived within the call's deadline.
	KindTimeout
	// KindTerminated means the executor channel closed while the call was
	// pending or before it was issued.
	KindTerminated
)

func (k Kind) String() string {
	switch k {
	case KindExecution:
		return "execution"
	case KindProtocol:
		return "protocol"
	case KindEngineInit:
		return "engine_init"
	case KindTimeout:
		return "timeout"
	case KindTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrExecution  = errors.New("execution error")
	ErrProtocol   = errors.New("protocol error")
	ErrEngineInit = errors.New("engine initialization error")
	ErrTimeout    = errors.New("no response")
	ErrTerminated = errors.New("executor terminated")
)

func (k Kind) sentinel() error {
	switch k {
	case KindExecution:
		return ErrExecution
	case KindProtocol:
		return ErrProtocol
	case KindEngineInit:
		return ErrEngineInit
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrTerminated
	}
}

// Error is the failure of one dispatched call.
type Error struct {
	Kind    Kind
	Action  protocol.Action
	ID      string // correlation id, empty if the call was never sent
	Message string
	Code    string

	// Index is the failed operation of an aborted batch, or -1.
	Index int
	// Partial holds results of batch operations that ran before the failure.
	Partial []protocol.ExecResult

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sqlbridge: ")
	if e.Action != "" {
		b.WriteString(string(e.Action))
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.sentinel().Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	return b.String()
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// kindForCode maps an executor error code to a failure kind.
func kindForCode(code string) Kind {
	switch code {
	case protocol.CodeEngineUnavailable:
		return KindEngineInit
	case protocol.CodeUnknownAction, protocol.CodeBadParams:
		return KindProtocol
	default:
		return KindExecution
	}
}

// fromPayload converts a response error into a call error.
func fromPayload(c *call, p *protocol.ErrorPayload) *Error {
	e := &Error{
		Kind:    kindForCode(p.Code),
		Action:  c.action,
		ID:      c.id,
		Message: p.Message,
		Code:    p.Code,
		Index:   -1,
		Partial: p.Partial,
	}
	if p.Index != nil {
		e.Index = *p.Index
	}
	return e
}

func protocolError(c *call, format string, args ...any) *Error {
	return &Error{
		Kind:    KindProtocol,
		Action:  c.action,
		ID:      c.id,
		Message: fmt.Sprintf(format, args...),
		Index:   -1,
	}
}
