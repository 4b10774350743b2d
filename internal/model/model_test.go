package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIDMonotonicOrder(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("NewID() = %s after %s, want increasing", id, prev)
		}
		prev = id
	}
}

func TestCallFailed(t *testing.T) {
	tests := []struct {
		outcome string
		want    bool
	}{
		{OutcomeOK, false},
		{OutcomeError, true},
	}
	for _, tt := range tests {
		c := Call{Outcome: tt.outcome}
		if got := c.Failed(); got != tt.want {
			t.Errorf("Call{Outcome: %q}.Failed() = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}
