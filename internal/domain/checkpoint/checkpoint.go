package checkpoint

import (
	"context"
	"time"
)

// State is the durable singleton cursor. It only moves forward, and only
// after the corresponding window of submissions has been committed.
type State struct {
	LastBlock      uint64    `json:"last_block"`
	LastUID        string    `json:"last_uid"`
	ProcessedCount uint64    `json:"processed_count"`
	ErrorCount     uint64    `json:"error_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store port for the singleton checkpoint row.
type Store interface {
	// Load returns the zero State when no checkpoint exists yet.
	Load(ctx context.Context) (*State, error)
	Advance(ctx context.Context, st *State) error
}
