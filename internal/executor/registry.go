package executor

import (
	"errors"
	"fmt"

	"github.com/seantiz/sqlbridge/internal/engine"
	"github.com/seantiz/sqlbridge/internal/protocol"
)

// ErrUnknownHandle is returned for handles that were never opened or are
// already closed.
var ErrUnknownHandle = errors.New("unknown handle")

// Registry maps handles to live engine connections. Handles are issued from
// a monotonically increasing counter and never reused, so a stale handle can
// never alias a newer connection.
//
// Registry is not safe for concurrent use; the executor only touches it from
// its request loop.
type Registry struct {
	conns map[protocol.Handle]engine.Conn
	next  protocol.Handle
}

// NewRegistry creates an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[protocol.Handle]engine.Conn),
	}
}

// Register stores c under a fresh handle and returns it.
func (r *Registry) Register(c engine.Conn) protocol.Handle {
	r.next++
	r.conns[r.next] = c
	return r.next
}

// Lookup returns the connection for h.
func (r *Registry) Lookup(h protocol.Handle) (engine.Conn, error) {
	c, ok := r.conns[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return c, nil
}

// Release removes h from the registry and returns its connection.
func (r *Registry) Release(h protocol.Handle) (engine.Conn, error) {
	c, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	delete(r.conns, h)
	return c, nil
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return len(r.conns)
}

// CloseAll closes and removes every live connection, returning the first
// close error encountered.
func (r *Registry) CloseAll() error {
	var first error
	for h, c := range r.conns {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("close handle %d: %w", h, err)
		}
		delete(r.conns, h)
	}
	return first
}
