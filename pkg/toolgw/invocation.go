package toolgw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an invocation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Invocation is one logical external operation. IdempotencyKey is stable per
// logical action and never regenerated on retry; ParamsHash is derived from
// the parameters so replays with drifted parameters are detectable.
type Invocation struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Tool           string         `json:"tool_name"`
	Version        string         `json:"version"`
	SessionID      string         `json:"session_id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Params         map[string]any `json:"parameters,omitempty"`
	ParamsHash     string         `json:"parameters_hash"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	AuthzDecision  string         `json:"authorization_decision,omitempty"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    time.Time      `json:"completed_at,omitzero"`
}

// HashParams produces the canonical parameters hash. encoding/json sorts map
// keys, so equal parameter sets hash identically regardless of insert order.
func HashParams(params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

var (
	// ErrRecordNotFound is returned by Get for unknown idempotency keys.
	ErrRecordNotFound = errors.New("toolgw: invocation record not found")

	// ErrHashMismatch is returned by Put when a record already exists for
	// the key with a different parameters hash. The gateway maps it to
	// idempotency_conflict; the store never silently overwrites.
	ErrHashMismatch = errors.New("toolgw: parameters hash mismatch for idempotency key")
)

// InvocationStore persists invocation records beyond the session so idempotent
// retry and replay work across restarts. Records age out after the retention
// window (30 days by default, enforced by the backend).
//
// Put is keyed by IdempotencyKey and must be atomic: an existing record with
// a different ParamsHash fails with ErrHashMismatch; an existing succeeded
// record is never overwritten: the successful result is the replay source of
// truth, and later failures under the same key keep it intact.
type InvocationStore interface {
	Put(ctx context.Context, rec Invocation) error
	Get(ctx context.Context, idempotencyKey string) (Invocation, error)
}
