package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID string. The dispatcher uses it for correlation ids
// and the API for journal entries; ULIDs from one process sort in creation
// order.
func NewID() string {
	return ulid.Make().String()
}
