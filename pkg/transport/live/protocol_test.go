package live

import (
	"errors"
	"testing"

	"github.com/vango-go/convoctl/pkg/event"
)

func decodeErr(t *testing.T, data string) *DecodeError {
	t.Helper()
	_, err := DecodeClientMessage([]byte(data))
	if err == nil {
		t.Fatalf("frame accepted: %s", data)
	}
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %T, want *DecodeError", err)
	}
	return derr
}

func TestDecodeClientMessage_Hello(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{
		"type": "hello",
		"protocol_version": "1",
		"client": {"name": "telephony-bridge", "version": "0.4.0"},
		"features": {"word_timestamps": true, "want_state_events": true}
	}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("msg = %T, want ClientHello", msg)
	}
	if !hello.Features.WantStateEvents {
		t.Fatal("want_state_events lost in decode")
	}
}

func TestDecodeClientMessage_HelloRequiresWordTimestamps(t *testing.T) {
	derr := decodeErr(t, `{"type":"hello","protocol_version":"1","features":{}}`)
	if derr.Code != "unsupported" || derr.Param != "features.word_timestamps" {
		t.Fatalf("derr = %+v", derr)
	}
}

func TestDecodeClientMessage_HelloRejectsUnknownProtocol(t *testing.T) {
	derr := decodeErr(t, `{"type":"hello","protocol_version":"2","features":{"word_timestamps":true}}`)
	if derr.Code != "unsupported" || derr.Param != "protocol_version" {
		t.Fatalf("derr = %+v", derr)
	}
}

func TestDecodeClientMessage_FrameValidation(t *testing.T) {
	cases := map[string]struct {
		data  string
		param string
	}{
		"not json":             {`{{`, ""},
		"missing type":         {`{}`, "type"},
		"unknown type":         {`{"type":"dance"}`, "type"},
		"negative words":       {`{"type":"speech","words":-1}`, "words"},
		"empty transcript":     {`{"type":"transcript_final","text":"  "}`, "text"},
		"empty model response": {`{"type":"model_response"}`, ""},
		"progress no id":       {`{"type":"tts_progress","played_ms":10}`, "assistant_id"},
		"negative played_ms":   {`{"type":"tts_progress","assistant_id":"a1","played_ms":-1}`, "played_ms"},
		"inverted timing":      {`{"type":"tts_progress","assistant_id":"a1","played_ms":0,"words":[{"word":"hi","start_ms":500,"end_ms":100}]}`, "words[0]"},
		"complete no id":       {`{"type":"tts_complete","text":"done"}`, "assistant_id"},
		"control no op":        {`{"type":"control"}`, "op"},
		"control unknown op":   {`{"type":"control","op":"reboot"}`, "op"},
	}
	for name, tc := range cases {
		derr := decodeErr(t, tc.data)
		if derr.Param != tc.param {
			t.Errorf("%s: param = %q, want %q", name, derr.Param, tc.param)
		}
	}
}

func TestDecodeClientMessage_ValidFrames(t *testing.T) {
	for name, data := range map[string]string{
		"speech":       `{"type":"speech","words":3,"partial":true}`,
		"transcript":   `{"type":"transcript_final","text":"what is my balance"}`,
		"model text":   `{"type":"model_response","text":"Your balance is 400."}`,
		"model tool":   `{"type":"model_response","tool_name":"get_balance","tool_params":{"account_id":"a1"}}`,
		"tts progress": `{"type":"tts_progress","assistant_id":"a1","played_ms":700,"state":"playing"}`,
		"tts complete": `{"type":"tts_complete","assistant_id":"a1","text":"done"}`,
		"control":      `{"type":"control","op":"start_call"}`,
	} {
		if _, err := DecodeClientMessage([]byte(data)); err != nil {
			t.Errorf("%s rejected: %v", name, err)
		}
	}
}

func TestFrameToEvent_Mapping(t *testing.T) {
	cases := []struct {
		name    string
		decoded any
		want    event.Type
	}{
		{"speech burst", ClientSpeech{Words: 3}, event.TypeSpeechStarted},
		{"speech partial", ClientSpeech{Words: 3, Partial: true}, event.TypeSTTPartial},
		{"transcript", ClientTranscriptFinal{Text: "hi"}, event.TypeSTTFinal},
		{"model response", ClientModelResponse{Text: "hello"}, event.TypeLLMResponse},
		{"tts progress", ClientTTSProgress{AssistantID: "a1"}, event.TypeTTSProgress},
		{"tts complete", ClientTTSComplete{AssistantID: "a1"}, event.TypeTTSComplete},
		{"start call", ClientControl{Op: "start_call"}, event.TypeCallStart},
		{"end session", ClientControl{Op: "end_session"}, event.TypeSessionEnd},
	}
	for _, tc := range cases {
		ev, ok := frameToEvent(tc.decoded)
		if !ok {
			t.Errorf("%s: no event", tc.name)
			continue
		}
		if ev.Type != tc.want {
			t.Errorf("%s: type = %s, want %s", tc.name, ev.Type, tc.want)
		}
		if ev.Source != "transport" {
			t.Errorf("%s: source = %q", tc.name, ev.Source)
		}
	}

	if _, ok := frameToEvent(ClientHello{}); ok {
		t.Fatal("hello mapped to an event")
	}
}
