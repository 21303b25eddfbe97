package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/event"
	"github.com/vango-go/convoctl/pkg/telemetry"
)

// TransitionResult reports what Apply did with one event.
type TransitionResult struct {
	Matched    bool
	From       string
	To         string
	GuardIndex int
	Event      event.Event
	Emitted    []event.Event
	Checkpoint uint64
}

// Dependencies wires an Engine.
type Dependencies struct {
	Machine *Machine
	Queue   *event.Queue
	Store   checkpoint.Store
	Logger  *slog.Logger
	Sink    *telemetry.Sink
	Now     func() time.Time

	// Resume restores state and context from a prior checkpoint instead of
	// starting at the machine's initial state.
	Resume *checkpoint.Checkpoint

	SessionID string
	TenantID  string
}

// Engine owns the current state and context for one session. Apply must only
// ever be called from that session's single consumer goroutine.
type Engine struct {
	machine *Machine
	queue   *event.Queue
	store   checkpoint.Store
	logger  *slog.Logger
	sink    *telemetry.Sink
	now     func() time.Time

	current string
	ctx     *Context

	timeoutGen   uint64
	timeoutTimer *time.Timer
}

func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Machine == nil {
		return nil, errors.New("engine: machine is required")
	}
	if err := deps.Machine.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid machine: %w", err)
	}
	if deps.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if deps.Store == nil {
		return nil, errors.New("engine: checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		machine: deps.Machine,
		queue:   deps.Queue,
		store:   deps.Store,
		logger:  deps.Logger,
		sink:    deps.Sink,
		now:     deps.Now,
		current: deps.Machine.Initial(),
	}
	if deps.Resume != nil {
		restored, err := RestoreContext(deps.Resume.Context)
		if err != nil {
			return nil, err
		}
		e.ctx = restored
		e.current = Leaf(deps.Resume.StatePath)
		s, ok := deps.Machine.Lookup(e.current)
		if !ok {
			return nil, fmt.Errorf("engine: checkpoint references unknown state %q", e.current)
		}
		// Resuming re-enters the restored state, so a declared timeout must be
		// re-armed the same way a fresh entry arms it.
		if s.Timeout > 0 {
			e.scheduleTimeout(s)
		}
	} else {
		e.ctx = NewContext(deps.SessionID, deps.TenantID)
	}
	return e, nil
}

// Current returns the leaf name of the active state.
func (e *Engine) Current() string { return e.current }

// CurrentState returns the active state's definition.
func (e *Engine) CurrentState() State {
	s, _ := e.machine.Lookup(e.current)
	return s
}

// Interruptible reports whether the active state permits barge-in.
func (e *Engine) Interruptible() bool { return e.CurrentState().Interruptible }

// Snapshot returns a read-only deep copy of the context.
func (e *Engine) Snapshot() *Context { return e.ctx.Clone() }

// Apply consumes one event: evaluates the active state's transitions in
// declaration order, fires the first whose guard holds, runs exit hooks,
// context mutation, and entry hooks in that order, writes a checkpoint, and
// appends any synthetic events to the tail of the session queue. An event
// with no matching transition is logged as a no-op and discarded; that is
// not an error.
func (e *Engine) Apply(ctx context.Context, ev event.Event) (TransitionResult, error) {
	started := e.now()
	res := TransitionResult{From: e.current, To: e.current, GuardIndex: -1, Event: ev}

	if ev.Type == event.TypeTimeout && e.staleTimeout(ev) {
		e.logger.Debug("stale timeout discarded", "state", e.current, "seq", ev.Seq)
		return res, nil
	}

	candidates := e.machine.candidates(e.current, ev.Type)
	var match *Transition
	for i := range candidates {
		t := &candidates[i]
		if t.Guard == nil || t.Guard(e.ctx, ev) {
			match = t
			res.GuardIndex = i
			break
		}
	}
	if match == nil {
		e.logger.Debug("no transition for event",
			"session_id", e.ctx.SessionID,
			"state", e.current,
			"event_type", string(ev.Type),
			"seq", ev.Seq,
		)
		e.emitRecord(res, false, started)
		return res, nil
	}

	var emitted []event.Event
	internal := match.To == "" || match.To == e.current

	from, _ := e.machine.Lookup(e.current)
	if !internal {
		e.stopTimeout()
		if from.OnExit != nil {
			emitted = append(emitted, from.OnExit(e.ctx, ev)...)
		}
	}
	if match.Mutate != nil {
		match.Mutate(e.ctx, ev)
	}
	if match.Emit != nil {
		emitted = append(emitted, match.Emit(e.ctx, ev)...)
	}
	if !internal {
		e.current = match.To
		e.timeoutGen++
		to, _ := e.machine.Lookup(match.To)
		if to.OnEnter != nil {
			emitted = append(emitted, to.OnEnter(e.ctx, ev)...)
		}
		if to.Timeout > 0 {
			e.scheduleTimeout(to)
		}
	}
	res.To = e.current

	cp, err := e.writeCheckpoint(ctx, ev)
	if err != nil {
		return res, err
	}
	res.Checkpoint = cp.Seq

	for _, out := range emitted {
		out.TraceID = ev.TraceID
		if out.Source == "" {
			out.Source = "engine"
		}
		if _, err := e.queue.Enqueue(out); err != nil {
			return res, fmt.Errorf("engine: enqueue synthetic event: %w", err)
		}
		res.Emitted = append(res.Emitted, out)
	}

	res.Matched = true
	e.emitRecord(res, true, started)
	e.logger.Debug("transition",
		"session_id", e.ctx.SessionID,
		"from", res.From,
		"to", res.To,
		"event_type", string(ev.Type),
		"seq", ev.Seq,
	)
	return res, nil
}

// Stop releases the pending timeout timer, if any.
func (e *Engine) Stop() {
	e.stopTimeout()
}

func (e *Engine) writeCheckpoint(ctx context.Context, ev event.Event) (checkpoint.Checkpoint, error) {
	snap, err := e.ctx.Snapshot()
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp := checkpoint.Checkpoint{
		SessionID: e.ctx.SessionID,
		StatePath: e.machine.Path(e.current),
		Context:   snap,
		Seq:       ev.Seq,
		CreatedAt: e.now(),
	}
	if err := e.store.Put(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("engine: write checkpoint: %w", err)
	}
	return cp, nil
}

func (e *Engine) scheduleTimeout(s State) {
	gen := e.timeoutGen
	path := e.machine.Path(s.Name)
	e.timeoutTimer = time.AfterFunc(s.Timeout, func() {
		_, err := e.queue.Enqueue(event.Event{
			Type:    event.TypeTimeout,
			Source:  "engine.timer",
			Payload: event.TimeoutPayload{StatePath: path, Generation: gen},
		})
		if err != nil && !errors.Is(err, event.ErrQueueClosed) {
			e.logger.Warn("failed to enqueue timeout event", "state", s.Name, "error", err)
		}
	})
}

func (e *Engine) stopTimeout() {
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
}

// staleTimeout rejects timer fires from a state entry that has since been
// exited. Only generation-tagged timeouts are filtered; externally injected
// timeout events pass through.
func (e *Engine) staleTimeout(ev event.Event) bool {
	payload, ok := ev.Payload.(event.TimeoutPayload)
	if !ok {
		return false
	}
	return payload.Generation != e.timeoutGen
}

func (e *Engine) emitRecord(res TransitionResult, matched bool, started time.Time) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(telemetry.Record{
		Kind:        telemetry.KindTransition,
		TraceID:     res.Event.TraceID,
		SessionID:   e.ctx.SessionID,
		StateFrom:   res.From,
		StateTo:     res.To,
		EventType:   string(res.Event.Type),
		GuardResult: matched,
		LatencyMS:   e.now().Sub(started).Milliseconds(),
	})
}
