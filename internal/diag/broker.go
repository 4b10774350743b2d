// Package diag carries bridge-level diagnostics (responses for unknown or
// stale correlation ids, malformed frames, duplicate lifecycle signals) to
// interested subscribers. These are not user-actionable call failures, so
// they travel on their own channel instead of through any pending call.
package diag

import (
	"sync"
	"time"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// Events are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// historySize is how many recent events are retained for Recent.
	historySize = 128
)

// Event reasons.
const (
	ReasonUnknownID      = "unknown_id"
	ReasonMissingID      = "missing_id"
	ReasonUnexpectedType = "unexpected_message"
	ReasonDuplicateReady = "duplicate_ready"
	ReasonDecode         = "decode"
)

// Event is one protocol diagnostic.
type Event struct {
	Reason  string    `json:"reason"`
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Broker fans diagnostic events out to subscribers and keeps a short
// history. It is safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	history []Event
}

// NewBroker creates a new diagnostics broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel that receives future events and an
// unsubscribe function. If the broker is closed the channel is closed
// immediately.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Report records ev and delivers it to every subscriber. Events are dropped
// for subscribers whose buffers are full.
func (b *Broker) Report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers; the read loop must never block.
		}
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Broker) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and later reports are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
