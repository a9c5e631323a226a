package model

import "github.com/oklog/ulid/v2"

// NewRunID generates a new ULID string identifying one execution attempt.
// ulid.Make is monotonic within a process, so IDs are never reissued.
func NewRunID() string {
	return ulid.Make().String()
}
