package session

import (
	"fmt"
	"time"

	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/engine/interrupt"
	"github.com/vango-go/convoctl/pkg/event"
)

// Retry counter names. Each error state tracks its own attempt budget so a
// payment failure cannot burn the retries reserved for model timeouts.
const (
	retryLLM     = "llm"
	retryTool    = "tool"
	retryPayment = "payment"
)

// FlowConfig tunes the stock conversation machine. Zero values take defaults.
type FlowConfig struct {
	// ThinkingTimeout bounds how long the machine waits for a model response
	// before declaring the turn timed out.
	ThinkingTimeout time.Duration

	// ToolTimeout bounds a whole tool round trip at the state level. It is a
	// backstop above the gateway's own per-class execution deadlines.
	ToolTimeout time.Duration

	// PaymentTimeout bounds a payment round trip.
	PaymentTimeout time.Duration

	// MaxRetries is the per-counter attempt budget before escalation.
	MaxRetries int

	// PaymentTools names the tools routed through the non-interruptible
	// payment state instead of the general tool state.
	PaymentTools []string

	// ToolVersions maps a tool name to the version the flow requests.
	// Unlisted tools default to version "1".
	ToolVersions map[string]string

	// Overrides replace the Interruptible flag and Timeout of the named
	// states, so deployments can retune the flow without redeclaring it.
	Overrides []engine.State
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.ThinkingTimeout <= 0 {
		c.ThinkingTimeout = 10 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 45 * time.Second
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if len(c.PaymentTools) == 0 {
		c.PaymentTools = []string{"charge_payment"}
	}
	return c
}

func (c FlowConfig) toolVersion(name string) string {
	if v, ok := c.ToolVersions[name]; ok && v != "" {
		return v
	}
	return "1"
}

func (c FlowConfig) isPaymentTool(name string) bool {
	for _, t := range c.PaymentTools {
		if t == name {
			return true
		}
	}
	return false
}

// DefaultFlow builds the stock voice-call machine:
//
//	call
//	  idle -> listening -> thinking -> speaking -> completed
//	                          |-> executing_tool -> thinking
//	                          |-> processing_payment -> thinking
//	  timed_out / api_error / payment_failed -> thinking or escalated
//
// All states nest under the call root, which carries the session_end exit and
// a catch-all that absorbs events a leaf does not care about. Callers must
// still Validate before running.
func DefaultFlow(cfg FlowConfig) *engine.Machine {
	cfg = cfg.withDefaults()

	states := []engine.State{
		{Name: "call"},
		{Name: "idle", Parent: "call", Interruptible: true},
		{Name: "listening", Parent: "call", Interruptible: true},
		{Name: "thinking", Parent: "call", Interruptible: true, Timeout: cfg.ThinkingTimeout},
		{Name: "speaking", Parent: "call", Interruptible: true},
		{Name: "executing_tool", Parent: "call", Interruptible: true, Timeout: cfg.ToolTimeout},
		{Name: "processing_payment", Parent: "executing_tool", Interruptible: false, Timeout: cfg.PaymentTimeout},
		{Name: "timed_out", Parent: "call", Kind: engine.StateError, OnEnter: emitRetry},
		{Name: "api_error", Parent: "call", Kind: engine.StateError, OnEnter: emitRetry},
		{Name: "payment_failed", Parent: "call", Kind: engine.StateError, OnEnter: emitRetry},
		{Name: "escalated", Parent: "call", Kind: engine.StateError},
		{Name: "completed", Parent: "call", Kind: engine.StateTerminal},
	}
	for _, o := range cfg.Overrides {
		for i := range states {
			if states[i].Name == o.Name {
				states[i].Interruptible = o.Interruptible
				if o.Timeout > 0 {
					states[i].Timeout = o.Timeout
				}
			}
		}
	}

	m := engine.NewMachine("idle")
	for _, s := range states {
		m.State(s)
	}

	m.DeclareEvents(
		event.TypeCallStart,
		event.TypeSpeechStarted,
		event.TypeSTTPartial,
		event.TypeSTTFinal,
		event.TypeLLMResponse,
		event.TypeTTSProgress,
		event.TypeTTSComplete,
		event.TypeBargeIn,
		event.TypeToolRequested,
		event.TypeToolResult,
		event.TypeTimeout,
		event.TypeRetry,
		event.TypeSessionEnd,
	)

	// Root handlers, inherited by every leaf. The catch-all internal
	// transition makes unhandled events explicit no-ops that still checkpoint.
	m.On(engine.Transition{From: "call", Event: event.TypeSessionEnd, To: "completed"})
	// A result that lands after its owning state was left (cancelled tool
	// after barge-in, late completion) still clears its pending entry.
	m.On(engine.Transition{From: "call", Event: event.TypeToolResult, Mutate: clearPending})
	m.On(engine.Transition{From: "call", Event: event.TypeAny})

	m.On(engine.Transition{From: "idle", Event: event.TypeCallStart, To: "listening"})

	m.On(engine.Transition{
		From:  "listening",
		Event: event.TypeSTTFinal,
		To:    "thinking",
		Mutate: func(c *engine.Context, ev event.Event) {
			if p, ok := ev.Payload.(event.STTFinalPayload); ok {
				c.AppendTurn(engine.Turn{Role: "user", Content: p.Text})
			}
		},
	})

	// llm_response routing, most specific first: payment tool, any other
	// tool, then plain speech.
	m.On(engine.Transition{
		From:  "thinking",
		Event: event.TypeLLMResponse,
		Guard: func(_ *engine.Context, ev event.Event) bool {
			p, ok := ev.Payload.(event.LLMResponsePayload)
			return ok && p.ToolName != "" && cfg.isPaymentTool(p.ToolName)
		},
		To:     "processing_payment",
		Mutate: recordPendingTool(cfg),
		Emit:   requestTool(cfg),
	})
	m.On(engine.Transition{
		From:  "thinking",
		Event: event.TypeLLMResponse,
		Guard: func(_ *engine.Context, ev event.Event) bool {
			p, ok := ev.Payload.(event.LLMResponsePayload)
			return ok && p.ToolName != ""
		},
		To:     "executing_tool",
		Mutate: recordPendingTool(cfg),
		Emit:   requestTool(cfg),
	})
	m.On(engine.Transition{
		From:  "thinking",
		Event: event.TypeLLMResponse,
		To:    "speaking",
		Mutate: func(c *engine.Context, _ event.Event) {
			c.ResetRetry(retryLLM)
		},
	})
	m.On(engine.Transition{From: "thinking", Event: event.TypeTimeout, To: "timed_out"})
	m.On(engine.Transition{From: "thinking", Event: event.TypeBargeIn, To: "listening"})

	// The assistant turn enters history only once playback finished; the
	// delivered prefix path below handles the truncated case.
	m.On(engine.Transition{
		From:  "speaking",
		Event: event.TypeTTSComplete,
		To:    "completed",
		Mutate: func(c *engine.Context, ev event.Event) {
			if p, ok := ev.Payload.(event.TTSCompletePayload); ok {
				c.AppendTurn(engine.Turn{Role: "assistant", Content: p.Text})
			}
		},
	})
	m.On(engine.Transition{
		From:   "speaking",
		Event:  event.TypeBargeIn,
		To:     "listening",
		Mutate: interrupt.TruncateLastTurn,
	})

	m.On(engine.Transition{
		From:  "executing_tool",
		Event: event.TypeToolResult,
		Guard: toolSucceeded,
		To:    "thinking",
		Mutate: func(c *engine.Context, ev event.Event) {
			clearPending(c, ev)
			c.ResetRetry(retryTool)
		},
	})
	m.On(engine.Transition{
		From:   "executing_tool",
		Event:  event.TypeToolResult,
		To:     "api_error",
		Mutate: clearPending,
	})
	m.On(engine.Transition{From: "executing_tool", Event: event.TypeTimeout, To: "api_error"})

	// Payment outcomes shadow the executing_tool handlers; a declined charge
	// must not land in the generic api_error path.
	m.On(engine.Transition{
		From:  "processing_payment",
		Event: event.TypeToolResult,
		Guard: toolSucceeded,
		To:    "thinking",
		Mutate: func(c *engine.Context, ev event.Event) {
			clearPending(c, ev)
			c.ResetRetry(retryPayment)
		},
	})
	m.On(engine.Transition{
		From:   "processing_payment",
		Event:  event.TypeToolResult,
		To:     "payment_failed",
		Mutate: clearPending,
	})
	m.On(engine.Transition{From: "processing_payment", Event: event.TypeTimeout, To: "payment_failed"})

	retryOrEscalate(m, "timed_out", retryLLM, cfg.MaxRetries)
	retryOrEscalate(m, "api_error", retryTool, cfg.MaxRetries)
	retryOrEscalate(m, "payment_failed", retryPayment, cfg.MaxRetries)

	return m
}

// retryOrEscalate wires an error state's exit pair: bounded retry back into
// thinking, then escalation once the budget is spent.
func retryOrEscalate(m *engine.Machine, state, counter string, max int) {
	m.On(engine.Transition{
		From:  state,
		Event: event.TypeRetry,
		Guard: func(c *engine.Context, _ event.Event) bool {
			return c.RetryCount(counter) < max
		},
		To: "thinking",
		Mutate: func(c *engine.Context, _ event.Event) {
			c.BumpRetry(counter)
		},
	})
	m.On(engine.Transition{From: state, Event: event.TypeRetry, To: "escalated"})
}

func emitRetry(_ *engine.Context, _ event.Event) []event.Event {
	return []event.Event{{Type: event.TypeRetry}}
}

func toolSucceeded(_ *engine.Context, ev event.Event) bool {
	p, ok := ev.Payload.(event.ToolResultPayload)
	return ok && p.Status == "succeeded"
}

func clearPending(c *engine.Context, ev event.Event) {
	if p, ok := ev.Payload.(event.ToolResultPayload); ok {
		c.RemovePending(p.IdempotencyKey)
	}
}

// actionKey derives the idempotency key for the logical action behind one
// llm_response event. It is a function of the session and the triggering
// event's sequence number, so a resumed session replaying the same event
// reproduces the same key instead of minting a fresh one.
func actionKey(c *engine.Context, ev event.Event) string {
	return fmt.Sprintf("%s:%d", c.SessionID, ev.Seq)
}

func recordPendingTool(cfg FlowConfig) engine.Mutate {
	return func(c *engine.Context, ev event.Event) {
		p, ok := ev.Payload.(event.LLMResponsePayload)
		if !ok {
			return
		}
		c.AddPending(engine.PendingTool{
			IdempotencyKey: actionKey(c, ev),
			Tool:           p.ToolName,
			Version:        cfg.toolVersion(p.ToolName),
			Params:         p.ToolParams,
			RequestedSeq:   ev.Seq,
		})
	}
}

func requestTool(cfg FlowConfig) engine.Emit {
	return func(c *engine.Context, ev event.Event) []event.Event {
		p, ok := ev.Payload.(event.LLMResponsePayload)
		if !ok {
			return nil
		}
		return []event.Event{{
			Type: event.TypeToolRequested,
			Payload: event.ToolRequestedPayload{
				IdempotencyKey: actionKey(c, ev),
				Tool:           p.ToolName,
				Version:        cfg.toolVersion(p.ToolName),
				Params:         p.ToolParams,
			},
		}}
	}
}
