package engine

import (
	"encoding/json"
	"fmt"
)

// Turn is one entry of the conversation history. Assistant turns record only
// content that was actually delivered to the user; a truncated turn keeps the
// delivered prefix and the playback position it was cut at.
type Turn struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
	DeliveredMS int64  `json:"delivered_ms,omitempty"`
}

// PendingTool tracks an invocation dispatched to the gateway whose result has
// not re-entered the queue yet.
type PendingTool struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Tool           string         `json:"tool"`
	Version        string         `json:"version"`
	Params         map[string]any `json:"params,omitempty"`
	RequestedSeq   uint64         `json:"requested_seq"`
}

// Context is the mutable session data carried across transitions. It is owned
// exclusively by the engine's consumer goroutine; everything else works from
// snapshots or proposes mutations through queued events.
type Context struct {
	SessionID string                 `json:"session_id"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	History   []Turn                 `json:"history"`
	Pending   map[string]PendingTool `json:"pending_tools,omitempty"`
	Retries   map[string]int         `json:"retries,omitempty"`
}

func NewContext(sessionID, tenantID string) *Context {
	return &Context{
		SessionID: sessionID,
		TenantID:  tenantID,
		History:   make([]Turn, 0, 16),
		Pending:   make(map[string]PendingTool),
		Retries:   make(map[string]int),
	}
}

func (c *Context) AppendTurn(t Turn) {
	c.History = append(c.History, t)
}

// LastTurn returns a copy of the most recent turn, if any.
func (c *Context) LastTurn() (Turn, bool) {
	if len(c.History) == 0 {
		return Turn{}, false
	}
	return c.History[len(c.History)-1], true
}

// ReplaceLastTurn swaps the most recent turn in place.
func (c *Context) ReplaceLastTurn(t Turn) {
	if len(c.History) == 0 {
		c.History = append(c.History, t)
		return
	}
	c.History[len(c.History)-1] = t
}

func (c *Context) AddPending(p PendingTool) {
	if c.Pending == nil {
		c.Pending = make(map[string]PendingTool)
	}
	c.Pending[p.IdempotencyKey] = p
}

func (c *Context) RemovePending(idempotencyKey string) {
	delete(c.Pending, idempotencyKey)
}

// BumpRetry increments and returns the named attempt counter.
func (c *Context) BumpRetry(name string) int {
	if c.Retries == nil {
		c.Retries = make(map[string]int)
	}
	c.Retries[name]++
	return c.Retries[name]
}

func (c *Context) ResetRetry(name string) {
	delete(c.Retries, name)
}

func (c *Context) RetryCount(name string) int {
	return c.Retries[name]
}

// Snapshot serializes the context for a checkpoint.
func (c *Context) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}
	return raw, nil
}

// Clone deep-copies the context for read-only consumers.
func (c *Context) Clone() *Context {
	out := &Context{
		SessionID: c.SessionID,
		TenantID:  c.TenantID,
		History:   make([]Turn, len(c.History)),
		Pending:   make(map[string]PendingTool, len(c.Pending)),
		Retries:   make(map[string]int, len(c.Retries)),
	}
	copy(out.History, c.History)
	for k, v := range c.Pending {
		if v.Params != nil {
			params := make(map[string]any, len(v.Params))
			for pk, pv := range v.Params {
				params[pk] = pv
			}
			v.Params = params
		}
		out.Pending[k] = v
	}
	for k, v := range c.Retries {
		out.Retries[k] = v
	}
	return out
}

// RestoreContext rebuilds a context from a checkpoint snapshot.
func RestoreContext(raw json.RawMessage) (*Context, error) {
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("restore context: %w", err)
	}
	if c.Pending == nil {
		c.Pending = make(map[string]PendingTool)
	}
	if c.Retries == nil {
		c.Retries = make(map[string]int)
	}
	return &c, nil
}
