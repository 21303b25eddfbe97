package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordKind distinguishes transition records from tool-invocation records.
type RecordKind string

const (
	KindTransition     RecordKind = "transition"
	KindToolInvocation RecordKind = "tool_invocation"
	KindSuppressed     RecordKind = "suppressed_interrupt"
)

// Record is the structured observability record emitted for every transition
// and tool invocation.
type Record struct {
	Kind        RecordKind
	TraceID     string
	SessionID   string
	StateFrom   string
	StateTo     string
	EventType   string
	GuardResult bool
	Tool        string
	Status      string
	LatencyMS   int64
}

// Sink buffers records and writes them out of band through slog and otel
// spans. Emit never blocks; overflow increments a drop counter instead.
type Sink struct {
	ch      chan Record
	logger  *slog.Logger
	tracer  trace.Tracer
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSink(buffer int, logger *slog.Logger) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		ch:     make(chan Record, buffer),
		logger: logger,
		tracer: otel.Tracer("convoctl"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit hands a record to the background writer. Fire-and-forget.
func (s *Sink) Emit(rec Record) {
	if s == nil {
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded under overflow.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close drains buffered records and stops the writer.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-s.stop:
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec Record) {
	_, span := s.tracer.Start(context.Background(), string(rec.Kind),
		trace.WithTimestamp(time.Now().Add(-time.Duration(rec.LatencyMS)*time.Millisecond)))
	span.SetAttributes(
		attribute.String("session_id", rec.SessionID),
		attribute.String("event_type", rec.EventType),
		attribute.String("state_from", rec.StateFrom),
		attribute.String("state_to", rec.StateTo),
		attribute.Bool("guard_result", rec.GuardResult),
		attribute.String("tool", rec.Tool),
		attribute.Int64("latency_ms", rec.LatencyMS),
	)
	span.End()

	s.logger.Info(string(rec.Kind),
		"trace_id", rec.TraceID,
		"session_id", rec.SessionID,
		"state_from", rec.StateFrom,
		"state_to", rec.StateTo,
		"event_type", rec.EventType,
		"guard_result", rec.GuardResult,
		"tool", rec.Tool,
		"status", rec.Status,
		"latency_ms", rec.LatencyMS,
	)
}
