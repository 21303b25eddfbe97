// Package memory is the in-process store backend: checkpoints and invocation
// records in maps. It honors the same conditional-write contracts as the
// durable backends and is the default for tests and single-process dev runs.
package memory

import (
	"context"
	"sync"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

// Store implements checkpoint.Store and toolgw.InvocationStore.
type Store struct {
	mu          sync.Mutex
	checkpoints map[string]checkpoint.Checkpoint
	invocations map[string]toolgw.Invocation
}

func New() *Store {
	return &Store{
		checkpoints: make(map[string]checkpoint.Checkpoint),
		invocations: make(map[string]toolgw.Invocation),
	}
}

// Put stores a checkpoint if its sequence number is strictly newer.
func (s *Store) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[cp.SessionID]; ok && prev.Seq >= cp.Seq {
		return checkpoint.ErrStaleSequence
	}
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *Store) GetLatest(ctx context.Context, sessionID string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

// PutInvocation is exposed under the toolgw.InvocationStore name Put via the
// Invocations view to keep the two Put signatures from colliding.
type invocationView struct{ s *Store }

// Invocations returns the toolgw.InvocationStore view of this store.
func (s *Store) Invocations() toolgw.InvocationStore {
	return invocationView{s: s}
}

func (v invocationView) Put(ctx context.Context, rec toolgw.Invocation) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	prev, ok := v.s.invocations[rec.IdempotencyKey]
	if ok {
		if prev.ParamsHash != rec.ParamsHash {
			return toolgw.ErrHashMismatch
		}
		// A successful result is the replay source of truth.
		if prev.Status == toolgw.StatusSucceeded && rec.Status != toolgw.StatusSucceeded {
			return nil
		}
	}
	v.s.invocations[rec.IdempotencyKey] = rec
	return nil
}

func (v invocationView) Get(ctx context.Context, idempotencyKey string) (toolgw.Invocation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rec, ok := v.s.invocations[idempotencyKey]
	if !ok {
		return toolgw.Invocation{}, toolgw.ErrRecordNotFound
	}
	return rec, nil
}
