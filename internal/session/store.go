// Package session owns per-conversation state storage. The in-process
// store is authoritative for correctness; the interface exists so an
// out-of-process implementation can be substituted.
package session

import (
	"context"

	"hydrochat/internal/state"
)

// Stats reports store occupancy for the operator endpoint.
type Stats struct {
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Store maps conversation ids to session state. Implementations must be
// safe for concurrent use; turn-level serialization is the caller's job
// via Locks.
type Store interface {
	// Get returns the live state for id, or ok=false when absent/expired.
	Get(ctx context.Context, id string) (*state.SessionState, bool, error)

	// Put saves the state under its conversation id.
	Put(ctx context.Context, s *state.SessionState) error

	// Delete removes the state for id if present.
	Delete(ctx context.Context, id string) error

	// Stats reports occupancy.
	Stats() Stats
}
