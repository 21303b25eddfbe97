// Package session runs one conversation end to end: it owns the event queue,
// the single consumer goroutine, the machine executor, the interruption
// controller, and the bridge to the tool gateway. Producers enqueue; only the
// consumer loop touches engine state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/engine/interrupt"
	"github.com/vango-go/convoctl/pkg/event"
	"github.com/vango-go/convoctl/pkg/telemetry"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

// Dependencies wires a Session. Machine defaults to DefaultFlow(Flow) when
// nil.
type Dependencies struct {
	SessionID   string
	TenantID    string
	Permissions []string

	Machine *engine.Machine
	Flow    FlowConfig

	Store   checkpoint.Store
	Gateway *toolgw.Gateway

	Interrupt interrupt.Config

	// MaxDuration hard-caps the session; when it elapses a session_end event
	// is enqueued like any other producer signal. Zero means uncapped.
	MaxDuration time.Duration

	// Resume restores the engine from the latest stored checkpoint instead
	// of starting fresh.
	Resume bool

	// Observer, when set, is called on the consumer goroutine after every
	// matched transition. It must not block.
	Observer func(engine.TransitionResult)

	Logger *slog.Logger
	Sink   *telemetry.Sink
	Now    func() time.Time
}

type inflightTool struct {
	cancel            context.CancelFunc
	cancelOnInterrupt bool
}

// Session is one live conversation. All engine access happens on the goroutine
// running Run; Enqueue is safe from any goroutine.
type Session struct {
	id          string
	tenantID    string
	permissions []string

	queue      *event.Queue
	engine     *engine.Engine
	interrupts *interrupt.Controller
	gateway    *toolgw.Gateway

	maxDuration time.Duration
	resumed     bool
	observer    func(engine.TransitionResult)
	logger      *slog.Logger
	now         func() time.Time

	// playback is owned by the consumer goroutine; the Playback value itself
	// carries a lock because the controller reads it during dispatch.
	playback *interrupt.Playback

	mu       sync.Mutex
	inflight map[string]inflightTool
}

func New(ctx context.Context, deps Dependencies) (*Session, error) {
	if deps.SessionID == "" {
		deps.SessionID = uuid.NewString()
	}
	if deps.Store == nil {
		return nil, errors.New("session: checkpoint store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("session: tool gateway is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Machine == nil {
		deps.Machine = DefaultFlow(deps.Flow)
	}

	queue := event.NewQueue(event.WithClock(deps.Now))

	var resume *checkpoint.Checkpoint
	if deps.Resume {
		cp, err := deps.Store.GetLatest(ctx, deps.SessionID)
		switch {
		case err == nil:
			resume = &cp
			deps.Logger.Info("resuming session from checkpoint",
				"session_id", deps.SessionID,
				"state", cp.StatePath,
				"seq", cp.Seq,
			)
		case errors.Is(err, checkpoint.ErrNotFound):
			// First run; nothing to resume.
		default:
			return nil, fmt.Errorf("session: load checkpoint: %w", err)
		}
	}

	eng, err := engine.NewEngine(engine.Dependencies{
		Machine:   deps.Machine,
		Queue:     queue,
		Store:     deps.Store,
		Logger:    deps.Logger,
		Sink:      deps.Sink,
		Now:       deps.Now,
		Resume:    resume,
		SessionID: deps.SessionID,
		TenantID:  deps.TenantID,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		id:          deps.SessionID,
		tenantID:    deps.TenantID,
		permissions: deps.Permissions,
		queue:       queue,
		engine:      eng,
		interrupts:  interrupt.NewController(deps.Interrupt, queue, deps.Logger, deps.Sink, deps.Now),
		gateway:     deps.Gateway,
		maxDuration: deps.MaxDuration,
		resumed:     resume != nil,
		observer:    deps.Observer,
		logger:      deps.Logger,
		now:         deps.Now,
		inflight:    make(map[string]inflightTool),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the active leaf state name.
func (s *Session) State() string { return s.engine.Current() }

// Resumed reports whether the session was restored from a stored checkpoint
// rather than started fresh.
func (s *Session) Resumed() bool { return s.resumed }

// Snapshot returns a deep copy of the conversation context.
func (s *Session) Snapshot() *engine.Context { return s.engine.Snapshot() }

// SuppressedInterrupts reports how many barge-in attempts the active state
// refused.
func (s *Session) SuppressedInterrupts() int64 { return s.interrupts.SuppressedCount() }

// Enqueue hands a producer event to the session. Safe from any goroutine.
func (s *Session) Enqueue(ev event.Event) (event.Event, error) {
	return s.queue.Enqueue(ev)
}

// Run is the single consumer loop. It returns nil once the session reaches a
// terminal state and the queue drains, or the queue is closed; it returns the
// context error on cancellation and a checkpoint error if durability is lost.
func (s *Session) Run(ctx context.Context) error {
	defer s.engine.Stop()
	defer s.cancelInflight(false)

	if s.maxDuration > 0 {
		deadline := time.AfterFunc(s.maxDuration, func() {
			_, err := s.queue.Enqueue(event.Event{Type: event.TypeSessionEnd, Source: "session.deadline"})
			if err != nil && !errors.Is(err, event.ErrQueueClosed) {
				s.logger.Warn("failed to enqueue session deadline", "session_id", s.id, "error", err)
			}
		})
		defer deadline.Stop()
	}

	// Invocations recorded as pending in a restored checkpoint have no
	// goroutine behind them anymore. Re-dispatch them under their original
	// idempotency keys: work that finished before the crash is absorbed by
	// the gateway's replay path, unfinished work executes again.
	for _, p := range s.engine.Snapshot().Pending {
		s.dispatch(ctx, event.ToolRequestedPayload{
			IdempotencyKey: p.IdempotencyKey,
			Tool:           p.Tool,
			Version:        p.Version,
			Params:         p.Params,
		}, "")
	}

	for {
		ev, err := s.queue.Dequeue(ctx)
		if errors.Is(err, event.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.handle(ctx, ev); err != nil {
			// A lost checkpoint means the durable record no longer matches
			// the in-memory state. Stop rather than diverge.
			return fmt.Errorf("session %s: %w", s.id, err)
		}
		if s.engine.CurrentState().Kind == engine.StateTerminal {
			s.cancelInflight(false)
			s.queue.Close()
		}
	}
}

// handle processes one dequeued event on the consumer goroutine.
func (s *Session) handle(ctx context.Context, ev event.Event) error {
	switch ev.Type {
	case event.TypeSpeechStarted, event.TypeSTTPartial:
		// Pure interruption signals: the controller decides whether to turn
		// the burst into a barge_in event. They never transition the machine
		// directly.
		words := 0
		if p, ok := ev.Payload.(event.SpeechStartedPayload); ok {
			words = p.Words
		}
		s.interrupts.OnSpeech(s.id, ev.TraceID, words, s.engine.Interruptible(), s.playback)
		return nil

	case event.TypeTTSProgress:
		p, ok := ev.Payload.(event.TTSProgressPayload)
		if !ok {
			return nil
		}
		if s.playback == nil || s.playback.ID() != p.AssistantID {
			s.playback = interrupt.NewPlayback(p.AssistantID)
			s.interrupts.Reset()
		}
		s.playback.AddWords(p.Words)
		s.playback.Mark(p.PlayedMS, p.State)
		return nil

	case event.TypeBargeIn:
		s.cancelInflight(true)

	case event.TypeToolRequested:
		if p, ok := ev.Payload.(event.ToolRequestedPayload); ok {
			s.dispatch(ctx, p, ev.TraceID)
		}
	}

	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		return err
	}
	if res.Matched && s.observer != nil {
		s.observer(res)
	}
	if ev.Type == event.TypeTTSComplete && res.Matched {
		s.playback = nil
		s.interrupts.Reset()
	}
	return nil
}

// dispatch runs one gateway invocation off the consumer goroutine and feeds
// the outcome back through the queue as a tool_result event. The invocation
// context is cancellable so a barge-in can abort tools flagged for it.
func (s *Session) dispatch(ctx context.Context, p event.ToolRequestedPayload, traceID string) {
	ictx, cancel := context.WithCancel(ctx)
	tool, known := s.gateway.Lookup(p.Tool, p.Version)

	s.mu.Lock()
	s.inflight[p.IdempotencyKey] = inflightTool{
		cancel:            cancel,
		cancelOnInterrupt: known && tool.CancelOnInterruption,
	}
	s.mu.Unlock()

	go func() {
		defer cancel()
		rec, gerr := s.gateway.Invoke(ictx, toolgw.Invocation{
			IdempotencyKey: p.IdempotencyKey,
			Tool:           p.Tool,
			Version:        p.Version,
			Params:         p.Params,
			SessionID:      s.id,
			TenantID:       s.tenantID,
		}, s.permissions)

		s.mu.Lock()
		delete(s.inflight, p.IdempotencyKey)
		s.mu.Unlock()

		result := event.ToolResultPayload{
			IdempotencyKey: p.IdempotencyKey,
			Tool:           p.Tool,
			Status:         string(toolgw.StatusSucceeded),
			Result:         rec.Result,
		}
		if gerr != nil {
			result.Status = string(toolgw.StatusFailed)
			if gerr.Kind == toolgw.KindCancelled {
				result.Status = string(toolgw.StatusCancelled)
			}
			result.Result = nil
			result.ErrorKind = string(gerr.Kind)
			result.ErrorMessage = gerr.Message
		}
		_, err := s.queue.Enqueue(event.Event{
			Type:    event.TypeToolResult,
			TraceID: traceID,
			Source:  "gateway",
			Payload: result,
		})
		if err != nil && !errors.Is(err, event.ErrQueueClosed) {
			s.logger.Warn("failed to enqueue tool result",
				"session_id", s.id,
				"tool", p.Tool,
				"error", err,
			)
		}
	}()
}

// cancelInflight cancels running invocations. With interruptOnly it touches
// only tools that opted into cancel-on-interruption; otherwise everything.
func (s *Session) cancelInflight(interruptOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.inflight {
		if interruptOnly && !t.cancelOnInterrupt {
			continue
		}
		s.logger.Debug("cancelling in-flight tool", "session_id", s.id, "idempotency_key", key)
		t.cancel()
	}
}
