package interrupt

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-go/convoctl/pkg/event"
	"github.com/vango-go/convoctl/pkg/telemetry"
)

// Config tunes barge-in gating. Nothing here is hardcoded downstream.
type Config struct {
	// MinWords is the burst size a speech burst must reach before it may
	// interrupt. Shorter bursts are pure no-ops.
	MinWords int

	// GraceWindow suppresses bursts arriving this soon after a previously
	// suppressed burst, so a stutter of false positives cannot thrash state.
	GraceWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinWords <= 0 {
		c.MinWords = 2
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 500 * time.Millisecond
	}
	return c
}

// Controller watches speech bursts and emits barge_in events onto the session
// queue when the engine is interruptible and the burst clears the threshold.
// It never mutates engine state directly.
type Controller struct {
	cfg    Config
	queue  *event.Queue
	logger *slog.Logger
	sink   *telemetry.Sink
	now    func() time.Time

	suppressed     atomic.Int64
	lastSuppressed time.Time
	emittedFor     string // assistant utterance already interrupted
}

func NewController(cfg Config, queue *event.Queue, logger *slog.Logger, sink *telemetry.Sink, now func() time.Time) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{cfg: cfg.withDefaults(), queue: queue, logger: logger, sink: sink, now: now}
}

// SuppressedCount reports how many interrupt signals were recorded and
// ignored because the active state forbade interruption.
func (c *Controller) SuppressedCount() int64 { return c.suppressed.Load() }

// OnSpeech handles one speech_started/stt_partial signal. words is the
// accumulated spoken-word count for the current burst; interruptible is the
// engine's active-state flag; active is the in-flight playback, nil when
// nothing is playing. It returns true when a barge_in was enqueued.
func (c *Controller) OnSpeech(sessionID, traceID string, words int, interruptible bool, active *Playback) bool {
	now := c.now()

	if words < c.cfg.MinWords {
		return false
	}
	if !c.lastSuppressed.IsZero() && now.Sub(c.lastSuppressed) < c.cfg.GraceWindow {
		return false
	}

	if !interruptible {
		c.suppressed.Add(1)
		c.lastSuppressed = now
		c.logger.Debug("interrupt suppressed",
			"session_id", sessionID,
			"words", words,
		)
		if c.sink != nil {
			c.sink.Emit(telemetry.Record{
				Kind:      telemetry.KindSuppressed,
				TraceID:   traceID,
				SessionID: sessionID,
				EventType: string(event.TypeSpeechStarted),
			})
		}
		return false
	}

	if active == nil {
		return false
	}
	if c.emittedFor == active.ID() {
		return false
	}

	text, deliveredMS, lastWord := active.Delivered()
	_, err := c.queue.Enqueue(event.Event{
		Type:    event.TypeBargeIn,
		TraceID: traceID,
		Source:  "interrupt",
		Payload: event.BargeInPayload{
			AssistantID:         active.ID(),
			DeliveredDurationMS: deliveredMS,
			LastDeliveredWord:   lastWord,
			DeliveredText:       text,
		},
	})
	if err != nil {
		c.logger.Warn("failed to enqueue barge_in", "session_id", sessionID, "error", err)
		return false
	}
	c.emittedFor = active.ID()
	return true
}

// Reset clears the per-utterance dedup, called when a new assistant utterance
// starts.
func (c *Controller) Reset() {
	c.emittedFor = ""
}
