package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/event"
	"github.com/vango-go/convoctl/pkg/store/memory"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

type harness struct {
	sess    *Session
	store   *memory.Store
	results chan engine.TransitionResult
	errCh   chan error
	cancel  context.CancelFunc

	toolCalls *int
}

// newHarness builds a session over the default flow with an in-memory store
// and a gateway exposing get_balance plus a charge_payment tool that blocks
// until release is closed.
func newHarness(t *testing.T, deps Dependencies, release chan struct{}) *harness {
	t.Helper()
	h := &harness{
		store:     memory.New(),
		results:   make(chan engine.TransitionResult, 256),
		errCh:     make(chan error, 1),
		toolCalls: new(int),
	}

	balance := toolgw.Tool{
		Name:    "get_balance",
		Version: "1",
		Class:   toolgw.ClassDataFetch,
		Params: toolgw.Schema{Fields: []toolgw.Field{
			{Name: "account_id", Type: toolgw.FieldString, Required: true},
		}},
		Result: toolgw.Schema{Fields: []toolgw.Field{
			{Name: "balance", Type: toolgw.FieldNumber, Required: true},
		}},
		Execute: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			*h.toolCalls++
			return map[string]any{"balance": 400.0}, nil
		},
	}
	charge := toolgw.Tool{
		Name:    "charge_payment",
		Version: "1",
		Class:   toolgw.ClassAction,
		Execute: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			*h.toolCalls++
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return map[string]any{}, nil
		},
	}
	reg, err := toolgw.NewRegistry(balance, charge)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gw, err := toolgw.New(toolgw.Dependencies{
		Registry: reg,
		Store:    h.store.Invocations(),
		Retry:    toolgw.RetryConfig{Base: time.Millisecond, Multiplier: 2, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("toolgw.New: %v", err)
	}

	deps.Store = h.store
	deps.Gateway = gw
	deps.Observer = func(res engine.TransitionResult) {
		select {
		case h.results <- res:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	h.sess, err = New(ctx, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		h.errCh <- h.sess.Run(ctx)
	}()
	return h
}

func (h *harness) enqueue(t *testing.T, ev event.Event) {
	t.Helper()
	if _, err := h.sess.Enqueue(ev); err != nil {
		t.Fatalf("Enqueue %s: %v", ev.Type, err)
	}
}

// waitForState drains transition results until the machine lands in the named
// leaf state.
func (h *harness) waitForState(t *testing.T, name string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-h.results:
			if res.Matched && res.To == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", name)
		}
	}
}

func (h *harness) waitForExit(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSession_HappyPathConversation(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-1"}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "what is my balance"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{Text: "Your balance is 400 dollars."}})
	h.enqueue(t, event.Event{Type: event.TypeTTSComplete, Payload: event.TTSCompletePayload{AssistantID: "a1", Text: "Your balance is 400 dollars."}})

	h.waitForExit(t)

	if got := h.sess.State(); got != "completed" {
		t.Fatalf("final state = %q, want completed", got)
	}
	snap := h.sess.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("history = %+v, want user + assistant", snap.History)
	}
	if snap.History[0].Role != "user" || snap.History[0].Content != "what is my balance" {
		t.Fatalf("user turn = %+v", snap.History[0])
	}
	if snap.History[1].Role != "assistant" || snap.History[1].Truncated {
		t.Fatalf("assistant turn = %+v", snap.History[1])
	}
}

func TestSession_ToolRoundTrip(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-2"}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "check my balance"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{
		ToolName:   "get_balance",
		ToolParams: map[string]any{"account_id": "acc_1"},
	}})
	h.waitForState(t, "executing_tool")
	// The gateway round trip re-enters the queue as tool_result.
	h.waitForState(t, "thinking")

	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{Text: "You have 400 dollars."}})
	h.enqueue(t, event.Event{Type: event.TypeTTSComplete, Payload: event.TTSCompletePayload{AssistantID: "a1", Text: "You have 400 dollars."}})
	h.waitForExit(t)

	if *h.toolCalls != 1 {
		t.Fatalf("tool executed %d times, want 1", *h.toolCalls)
	}
	snap := h.sess.Snapshot()
	if len(snap.Pending) != 0 {
		t.Fatalf("pending tools not cleared: %+v", snap.Pending)
	}
}

func TestSession_BargeInTruncatesAssistantTurn(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-3"}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "what is my balance"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{Text: "Your balance is four hundred."}})
	h.waitForState(t, "speaking")

	h.enqueue(t, event.Event{Type: event.TypeTTSProgress, Payload: event.TTSProgressPayload{
		AssistantID: "a1",
		Words: []event.WordTiming{
			{Word: "your", StartMS: 0, EndMS: 200},
			{Word: "balance", StartMS: 210, EndMS: 450},
			{Word: "is", StartMS: 460, EndMS: 700},
			{Word: "four", StartMS: 710, EndMS: 900},
			{Word: "hundred", StartMS: 910, EndMS: 1200},
		},
		PlayedMS: 700,
		State:    "playing",
	}})
	h.enqueue(t, event.Event{Type: event.TypeSpeechStarted, Payload: event.SpeechStartedPayload{Words: 3}})
	h.waitForState(t, "listening")

	h.enqueue(t, event.Event{Type: event.TypeSessionEnd})
	h.waitForExit(t)

	snap := h.sess.Snapshot()
	last := snap.History[len(snap.History)-1]
	if last.Role != "assistant" || !last.Truncated {
		t.Fatalf("last turn = %+v, want truncated assistant turn", last)
	}
	if last.Content != "your balance is" {
		t.Fatalf("delivered prefix = %q, want %q", last.Content, "your balance is")
	}
	if last.DeliveredMS != 700 {
		t.Fatalf("delivered ms = %d, want 700", last.DeliveredMS)
	}
}

func TestSession_ShortBurstDoesNotInterrupt(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-4"}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "hello"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{Text: "Hi there, how can I help?"}})
	h.waitForState(t, "speaking")

	h.enqueue(t, event.Event{Type: event.TypeTTSProgress, Payload: event.TTSProgressPayload{
		AssistantID: "a1",
		Words:       []event.WordTiming{{Word: "hi", StartMS: 0, EndMS: 150}},
		PlayedMS:    150,
		State:       "playing",
	}})
	// One word: a backchannel, not an interruption.
	h.enqueue(t, event.Event{Type: event.TypeSpeechStarted, Payload: event.SpeechStartedPayload{Words: 1}})
	h.enqueue(t, event.Event{Type: event.TypeTTSComplete, Payload: event.TTSCompletePayload{AssistantID: "a1", Text: "Hi there, how can I help?"}})
	h.waitForExit(t)

	if got := h.sess.State(); got != "completed" {
		t.Fatalf("final state = %q, want completed", got)
	}
	last := h.sess.Snapshot().History[1]
	if last.Truncated {
		t.Fatalf("turn truncated by a sub-threshold burst: %+v", last)
	}
}

func TestSession_PaymentSuppressesBargeIn(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Dependencies{SessionID: "sess-5"}, release)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "pay my bill"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{
		ToolName: "charge_payment",
	}})
	h.waitForState(t, "processing_payment")

	h.enqueue(t, event.Event{Type: event.TypeSpeechStarted, Payload: event.SpeechStartedPayload{Words: 5}})
	deadline := time.Now().Add(5 * time.Second)
	for h.sess.SuppressedInterrupts() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interrupt was not suppressed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	h.waitForState(t, "thinking")

	h.enqueue(t, event.Event{Type: event.TypeSessionEnd})
	h.waitForExit(t)

	if h.sess.SuppressedInterrupts() != 1 {
		t.Fatalf("suppressed = %d, want 1", h.sess.SuppressedInterrupts())
	}
	// Suppression means the barge_in event never existed.
	close(h.results)
	for res := range h.results {
		if res.Event.Type == event.TypeBargeIn {
			t.Fatalf("barge_in reached the engine: %+v", res)
		}
	}
}

func TestSession_MaxDurationEndsSession(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-6", MaxDuration: 50 * time.Millisecond}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.waitForExit(t)

	if got := h.sess.State(); got != "completed" {
		t.Fatalf("final state = %q, want completed", got)
	}
}

func TestSession_ResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-7"}, nil)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "check my balance"}})
	h.waitForState(t, "thinking")
	h.cancel()
	select {
	case err := <-h.errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}

	resumed, err := New(context.Background(), Dependencies{
		SessionID: "sess-7",
		Store:     h.store,
		Gateway:   h.sess.gateway,
		Resume:    true,
	})
	if err != nil {
		t.Fatalf("New resumed: %v", err)
	}
	if got := resumed.State(); got != "thinking" {
		t.Fatalf("resumed state = %q, want thinking", got)
	}
	if !resumed.Resumed() {
		t.Fatal("Resumed() = false after restoring a checkpoint")
	}
	snap := resumed.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Content != "check my balance" {
		t.Fatalf("resumed history = %+v", snap.History)
	}
}

func TestSession_ResumeWithoutCheckpointStartsFresh(t *testing.T) {
	h := newHarness(t, Dependencies{SessionID: "sess-new", Resume: true}, nil)

	if h.sess.Resumed() {
		t.Fatal("Resumed() = true for a session with no stored checkpoint")
	}
	h.enqueue(t, event.Event{Type: event.TypeSessionEnd})
	h.waitForExit(t)
}

func TestSession_ResumeRedispatchesPendingTool(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Dependencies{SessionID: "sess-9"}, release)

	h.enqueue(t, event.Event{Type: event.TypeCallStart})
	h.enqueue(t, event.Event{Type: event.TypeSTTFinal, Payload: event.STTFinalPayload{Text: "pay my bill"}})
	h.enqueue(t, event.Event{Type: event.TypeLLMResponse, Payload: event.LLMResponsePayload{ToolName: "charge_payment"}})
	h.waitForState(t, "processing_payment")

	// Crash mid-invocation: the pending entry survives in the checkpoint, the
	// goroutine running the charge does not.
	h.cancel()
	select {
	case err := <-h.errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
	close(release)

	// The dispatch goroutine persists the cancelled record on its way out;
	// wait for it so the resume below deterministically re-executes.
	recDeadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := h.store.Invocations().Get(context.Background(), "sess-9:3"); err == nil {
			break
		}
		if time.Now().After(recDeadline) {
			t.Fatal("cancelled invocation record never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	results := make(chan engine.TransitionResult, 256)
	resumed, err := New(context.Background(), Dependencies{
		SessionID: "sess-9",
		Store:     h.store,
		Gateway:   h.sess.gateway,
		Resume:    true,
		Observer: func(res engine.TransitionResult) {
			select {
			case results <- res:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New resumed: %v", err)
	}
	if len(resumed.Snapshot().Pending) != 1 {
		t.Fatalf("pending = %+v, want the interrupted charge", resumed.Snapshot().Pending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- resumed.Run(ctx) }()

	deadline := time.After(5 * time.Second)
waitThinking:
	for {
		select {
		case res := <-results:
			if res.Matched && res.To == "thinking" {
				break waitThinking
			}
		case <-deadline:
			t.Fatal("re-dispatched tool result never arrived")
		}
	}

	if _, err := resumed.Enqueue(event.Event{Type: event.TypeSessionEnd}); err != nil {
		t.Fatalf("Enqueue session_end: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resumed session did not finish")
	}

	// The first attempt was cancelled before completing, so the re-dispatch
	// executes the charge again under the same idempotency key.
	if *h.toolCalls != 2 {
		t.Fatalf("tool executed %d times, want 2", *h.toolCalls)
	}
	if got := resumed.Snapshot().Pending; len(got) != 0 {
		t.Fatalf("pending not cleared after resume: %+v", got)
	}
}
