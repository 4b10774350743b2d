// Package protocol defines the message envelope exchanged between the
// dispatcher and the executor, the per-action payloads, and the
// length-prefixed JSON framing used on every transport.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Action names a request operation.
type Action string

// Supported actions.
const (
	ActionOpen  Action = "open"
	ActionExec  Action = "exec"
	ActionClose Action = "close"
	ActionBatch Action = "batch"
)

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	switch a {
	case ActionOpen, ActionExec, ActionClose, ActionBatch:
		return true
	}
	return false
}

// Error codes set by the executor. Engine failures carry the engine's own
// result code instead.
const (
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeUnknownAction     = "UNKNOWN_ACTION"
	CodeBadParams         = "BAD_PARAMS"
	CodeUnknownHandle     = "UNKNOWN_HANDLE"
	CodeBatchAborted      = "BATCH_ABORTED"
	CodePanic             = "PANIC"
)

// Handle is the opaque token identifying one open engine connection.
// Zero is never issued.
type Handle uint64

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// ParseHandle parses the decimal form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid handle %q", s)
	}
	return Handle(n), nil
}

// Message is the envelope for every frame in either direction.
//
// Requests carry ID, Action and Params. Responses carry ID and at most one
// of Result or Error. The executor's lifecycle signals carry no ID: Ready for
// a successful engine load, Error for a failed one.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Action Action          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Ready  bool            `json:"ready,omitempty"`
}

// IsRequest reports whether m is request-shaped.
func (m *Message) IsRequest() bool {
	return m.ID != "" && m.Action != ""
}

// IsReady reports whether m is the executor's readiness signal.
func (m *Message) IsReady() bool {
	return m.ID == "" && m.Ready
}

// IsInitFailure reports whether m is the executor's initialisation failure signal.
func (m *Message) IsInitFailure() bool {
	return m.ID == "" && m.Error != nil
}

// ErrorPayload is the error shape carried in responses. Index and Partial
// are only set for aborted batches.
type ErrorPayload struct {
	Message string       `json:"message"`
	Code    string       `json:"code,omitempty"`
	Index   *int         `json:"index,omitempty"`
	Partial []ExecResult `json:"partial,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// OpenParams is the payload of an open request.
type OpenParams struct {
	Name  string `json:"name"`
	Flags string `json:"flags,omitempty"`
}

// ExecParams is the payload of an exec request.
type ExecParams struct {
	Handle Handle `json:"handle"`
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// CloseParams is the payload of a close request.
type CloseParams struct {
	Handle Handle `json:"handle"`
}

// Operation is one statement within a batch.
type Operation struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// BatchParams is the payload of a batch request.
type BatchParams struct {
	Handle     Handle      `json:"handle"`
	Operations []Operation `json:"operations"`
}

// OpenResult is the result of a successful open.
type OpenResult struct {
	Handle Handle `json:"handle"`
}

// CloseResult acknowledges a close.
type CloseResult struct {
	Closed bool `json:"closed"`
}

// Row is one result row keyed by column name.
type Row map[string]any

// ExecResult is the outcome of one statement. Rows is populated for
// row-producing statements; RowsAffected and LastInsertID otherwise.
type ExecResult struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         []Row    `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id"`
}

// NewRequest builds a request message with params encoded as JSON.
func NewRequest(id string, action Action, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s params: %w", action, err)
	}
	return Message{ID: id, Action: action, Params: raw}, nil
}

// NewResult builds a success response. A nil result yields an empty response.
func NewResult(id string, result any) (Message, error) {
	if result == nil {
		return Message{ID: id}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id string, payload *ErrorPayload) Message {
	return Message{ID: id, Error: payload}
}

// Decode unmarshals a params or result payload into v. Numbers decode as
// json.Number so 64-bit integers survive the round trip.
func Decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
