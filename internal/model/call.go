package model

import "time"

// Call outcome constants.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Call is the journal record of one bridge call issued through the API.
type Call struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Handle     uint64    `json:"handle,omitempty"`
	SQL        string    `json:"sql,omitempty"`
	Operations int       `json:"operations,omitempty"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Failed reports whether the call ended in an error.
func (c *Call) Failed() bool {
	return c.Outcome == OutcomeError
}
