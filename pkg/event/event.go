// Package event defines the immutable event envelope and the ordered,
// single-consumer queue every session runs on. All asynchronous producers
// (transport frames, STT callbacks, timers, tool completions, the engine's
// own synthetic emissions) funnel through one Queue per session; ordering
// authority is the monotonic sequence number assigned at enqueue time, not
// wall-clock time.
package event

import "time"

// Type classifies an event. Producers and the engine's transition tables
// agree on these names; unrecognized types flow through the queue unchanged
// and fall to the engine's catch-all handling.
type Type string

const (
	TypeCallStart     Type = "call_start"
	TypeSpeechStarted Type = "speech_started"
	TypeSTTPartial    Type = "stt_partial"
	TypeSTTFinal      Type = "stt_final"
	TypeLLMResponse   Type = "llm_response"
	TypeTTSProgress   Type = "tts_progress"
	TypeTTSComplete   Type = "tts_complete"
	TypeBargeIn       Type = "barge_in"
	TypeToolRequested Type = "tool_requested"
	TypeToolResult    Type = "tool_result"
	TypeTimeout       Type = "timeout"
	TypeRetry         Type = "retry"
	TypeSessionEnd    Type = "session_end"

	// TypeAny is only legal in transition declarations, never on the wire.
	TypeAny Type = "*"
)

// Event is immutable once enqueued. Seq is zero until the queue stamps it.
type Event struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	TurnID    int       `json:"turn_id,omitempty"`
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}
