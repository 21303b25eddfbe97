// Package checkpoint defines the durable engine snapshot and the store
// contract it is written through. One checkpoint is written after every
// accepted transition; the most recent checkpoint is always sufficient to
// resume a session without re-deriving lost work.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by GetLatest for sessions with no checkpoint.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrStaleSequence is returned by Put when the store already holds a
	// checkpoint with an equal or higher sequence number for the session.
	// Conditional writes on (session_id, sequence_number) are what keep
	// retried writes from clobbering newer state.
	ErrStaleSequence = errors.New("checkpoint: stale sequence number")
)

// Checkpoint is a snapshot of one session's engine state.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	StatePath string          `json:"state_path"`
	Context   json.RawMessage `json:"context_snapshot"`
	Seq       uint64          `json:"sequence_number"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is implemented by the persistence backends. Put must be atomic and
// conditional: it succeeds only when Seq is strictly greater than any
// previously stored sequence number for the session.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	GetLatest(ctx context.Context, sessionID string) (Checkpoint, error)
}
