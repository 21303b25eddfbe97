package event

// WordTiming is one entry of the word-level timestamp track a TTS collaborator
// must attach to every synthesis response. Interruption truncation depends on
// it; sessions whose voice backend cannot produce it are rejected at hello.
type WordTiming struct {
	Word      string `json:"word"`
	StartMS   int64  `json:"start_ms"`
	EndMS     int64  `json:"end_ms"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
}

// SpeechStartedPayload accompanies TypeSpeechStarted and TypeSTTPartial.
// Words carries the accumulated word count for the current burst.
type SpeechStartedPayload struct {
	Words int    `json:"words"`
	Text  string `json:"text,omitempty"`
}

// STTFinalPayload accompanies TypeSTTFinal.
type STTFinalPayload struct {
	Text string `json:"text"`
}

// LLMResponsePayload accompanies TypeLLMResponse. When the model asked for a
// tool, ToolName/ToolParams are set and Text is the interim narration (may be
// empty).
type LLMResponsePayload struct {
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
}

// TTSProgressPayload accompanies TypeTTSProgress: an incremental slice of the
// word-timestamp track plus the client-reported playback position.
type TTSProgressPayload struct {
	AssistantID string       `json:"assistant_id"`
	Words       []WordTiming `json:"words,omitempty"`
	PlayedMS    int64        `json:"played_ms"`
	State       string       `json:"state,omitempty"` // playing | stopped | finished
}

// TTSCompletePayload accompanies TypeTTSComplete.
type TTSCompletePayload struct {
	AssistantID string `json:"assistant_id"`
	Text        string `json:"text"`
}

// BargeInPayload accompanies TypeBargeIn, emitted by the interruption
// controller once a burst clears the word threshold in an interruptible state.
type BargeInPayload struct {
	AssistantID         string `json:"assistant_id,omitempty"`
	DeliveredDurationMS int64  `json:"delivered_duration_ms"`
	LastDeliveredWord   string `json:"last_delivered_word,omitempty"`
	DeliveredText       string `json:"delivered_text,omitempty"`
}

// ToolRequestedPayload accompanies the synthetic TypeToolRequested the engine
// emits when a transition schedules gateway work.
type ToolRequestedPayload struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Tool           string         `json:"tool"`
	Version        string         `json:"version"`
	Params         map[string]any `json:"params,omitempty"`
}

// ToolResultPayload accompanies TypeToolResult when a background invocation
// completes and re-enters the queue.
type ToolResultPayload struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Tool           string         `json:"tool"`
	Status         string         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// TimeoutPayload accompanies TypeTimeout. Generation ties the timer to one
// specific entry into the state; a fire from a state already exited carries a
// stale generation and is discarded.
type TimeoutPayload struct {
	StatePath  string `json:"state_path"`
	Generation uint64 `json:"generation"`
}
