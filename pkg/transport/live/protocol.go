// Package live is the websocket ingress for conversation sessions. Voice-side
// collaborators (telephony bridge, STT, model runner, TTS) speak this frame
// protocol; every accepted frame becomes an event on the session queue.
package live

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/convoctl/pkg/event"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloFeatures struct {
	// WordTimestamps declares that the TTS collaborator attaches a
	// word-level timestamp track to every synthesis response. Sessions
	// without it cannot truncate interrupted speech honestly, so the hello
	// is rejected.
	WordTimestamps bool `json:"word_timestamps"`

	// WantStateEvents asks the server to push a frame after each machine
	// transition.
	WantStateEvents bool `json:"want_state_events,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	TenantID        string        `json:"tenant_id,omitempty"`
	ResumeSessionID string        `json:"resume_session_id,omitempty"`
	Features        HelloFeatures `json:"features"`
}

// ClientSpeech reports an in-progress user speech burst. Words is the
// accumulated word count; Partial distinguishes a rolling transcript update
// from the burst's first detection.
type ClientSpeech struct {
	Type    string `json:"type"`
	Words   int    `json:"words"`
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

type ClientTranscriptFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientModelResponse struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
}

type ClientTTSProgress struct {
	Type        string             `json:"type"`
	AssistantID string             `json:"assistant_id"`
	Words       []event.WordTiming `json:"words,omitempty"`
	PlayedMS    int64              `json:"played_ms"`
	State       string             `json:"state,omitempty"`
}

type ClientTTSComplete struct {
	Type        string `json:"type"`
	AssistantID string `json:"assistant_id"`
	Text        string `json:"text"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientMessage parses and validates one inbound frame. The returned
// value is one of the Client* structs; errors are *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "speech":
		var msg ClientSpeech
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech frame", "")
		}
		if msg.Words < 0 {
			return nil, badRequest("speech.words must be >= 0", "words")
		}
		return msg, nil
	case "transcript_final":
		var msg ClientTranscriptFinal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript_final frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("transcript_final.text is required", "text")
		}
		return msg, nil
	case "model_response":
		var msg ClientModelResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid model_response frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" && strings.TrimSpace(msg.ToolName) == "" {
			return nil, badRequest("model_response requires text or tool_name", "")
		}
		return msg, nil
	case "tts_progress":
		var msg ClientTTSProgress
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tts_progress frame", "")
		}
		if strings.TrimSpace(msg.AssistantID) == "" {
			return nil, badRequest("tts_progress.assistant_id is required", "assistant_id")
		}
		if msg.PlayedMS < 0 {
			return nil, badRequest("tts_progress.played_ms must be >= 0", "played_ms")
		}
		for i, w := range msg.Words {
			if w.EndMS < w.StartMS {
				return nil, badRequest("tts_progress word timings must have end_ms >= start_ms", fmt.Sprintf("words[%d]", i))
			}
		}
		return msg, nil
	case "tts_complete":
		var msg ClientTTSComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tts_complete frame", "")
		}
		if strings.TrimSpace(msg.AssistantID) == "" {
			return nil, badRequest("tts_complete.assistant_id is required", "assistant_id")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "start_call", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol_version", "protocol_version")
	}
	if !msg.Features.WordTimestamps {
		return unsupported("word_timestamps feature is required", "features.word_timestamps")
	}
	return nil
}

type HelloAckResume struct {
	Supported bool   `json:"supported"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

type ServerHelloAck struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	State           string         `json:"state"`
	Resume          HelloAckResume `json:"resume"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

// ServerEventAck confirms a frame was accepted onto the queue and reports the
// sequence number it was stamped with.
type ServerEventAck struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Seq       uint64 `json:"seq"`
}

// ServerStateChange is pushed after each transition when the client asked for
// state events.
type ServerStateChange struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	EventType string `json:"event_type"`
	Seq       uint64 `json:"seq"`
}

type ServerClosed struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}
