package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/engine/interrupt"
	"github.com/vango-go/convoctl/pkg/event"
	"github.com/vango-go/convoctl/pkg/session"
	"github.com/vango-go/convoctl/pkg/telemetry"
	"github.com/vango-go/convoctl/pkg/toolgw"
)

// Handler serves the /v1/live websocket endpoint: one connection is one
// session. The first frame must be hello; after the ack every accepted frame
// becomes an event on the session queue.
type Handler struct {
	Store   checkpoint.Store
	Gateway *toolgw.Gateway

	Flow      session.FlowConfig
	Machine   *engine.Machine
	Interrupt interrupt.Config

	// PermissionsFor resolves the permissions granted to a connection. The
	// hello frame never carries them; trusting the client there would make
	// the gateway's authorization stage decorative.
	PermissionsFor func(r *http.Request, hello ClientHello) []string

	MaxDuration time.Duration
	MaxSessions int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration

	Draining func() bool

	Tracker *Tracker
	Logger  *slog.Logger
	Sink    *telemetry.Sink
	Now     func() time.Time
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Draining != nil && h.Draining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	if h.MaxSessions > 0 && h.Tracker.Count() >= h.MaxSessions {
		http.Error(w, "too many active sessions", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	handshakeTimeout := h.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeError(conn, writeTimeout, "bad_request", "failed to read hello", "", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeError(conn, writeTimeout, "bad_request", "first frame must be hello", "", true)
		return
	}
	decoded, err := DecodeClientMessage(firstFrame)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			h.writeError(conn, writeTimeout, de.Code, de.Message, de.Param, true)
		} else {
			h.writeError(conn, writeTimeout, "bad_request", "invalid hello frame", "", true)
		}
		return
	}
	hello, ok := decoded.(ClientHello)
	if !ok {
		h.writeError(conn, writeTimeout, "bad_request", "first frame must be hello", "", true)
		return
	}

	var permissions []string
	if h.PermissionsFor != nil {
		permissions = h.PermissionsFor(r, hello)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, 64)

	sess, err := session.New(ctx, session.Dependencies{
		SessionID:   strings.TrimSpace(hello.ResumeSessionID),
		TenantID:    strings.TrimSpace(hello.TenantID),
		Permissions: permissions,
		Machine:     h.Machine,
		Flow:        h.Flow,
		Store:       h.Store,
		Gateway:     h.Gateway,
		Interrupt:   h.Interrupt,
		MaxDuration: h.MaxDuration,
		Resume:      strings.TrimSpace(hello.ResumeSessionID) != "",
		Observer:    h.stateObserver(hello, out),
		Logger:      logger,
		Sink:        h.Sink,
		Now:         h.Now,
	})
	if err != nil {
		logger.Warn("failed to create session", "error", err)
		h.writeError(conn, writeTimeout, "internal", "failed to create session", "", true)
		return
	}

	unregister := h.Tracker.Register(sess.ID(), Handle{
		Cancel: cancel,
		Notify: func(code, message string) error {
			select {
			case out <- ServerError{Type: "error", Code: code, Message: message}:
				return nil
			default:
				return errors.New("outbound queue full")
			}
		},
	})
	defer unregister()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, out, writeTimeout)
	}()

	go func() {
		err := sess.Run(ctx)
		reason := "completed"
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("session loop failed", "session_id", sess.ID(), "error", err)
			}
			reason = "aborted"
		}
		select {
		case out <- ServerClosed{Type: "session_closed", Reason: reason}:
		default:
		}
		// Give the writer a beat to flush, then tear the connection down so
		// the read loop unblocks.
		time.AfterFunc(200*time.Millisecond, cancel)
	}()

	out <- ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: ProtocolVersion1,
		SessionID:       sess.ID(),
		State:           sess.State(),
		Resume: HelloAckResume{
			Supported: true,
			// Accepted only when a checkpoint was actually restored; asking
			// for an unknown session starts a fresh one under that id.
			Accepted: sess.Resumed(),
		},
	}
	logger.Info("live session connected",
		"session_id", sess.ID(),
		"tenant_id", hello.TenantID,
		"client", hello.Client.Name,
		"resume", sess.Resumed(),
	)

	h.readLoop(ctx, conn, sess, out)

	// The client went away (or the session closed the socket). End the
	// session like any other producer would.
	if _, err := sess.Enqueue(event.Event{Type: event.TypeSessionEnd, Source: "transport"}); err != nil && !errors.Is(err, event.ErrQueueClosed) {
		logger.Warn("failed to enqueue session end", "session_id", sess.ID(), "error", err)
	}
	cancel()
	<-writerDone
}

// readLoop decodes inbound frames and enqueues them until the connection
// fails or ctx is cancelled.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, out chan<- any) {
	pongWait := h.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			h.push(out, ServerError{Type: "error", Code: "bad_request", Message: "frames must be text"})
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		decoded, err := DecodeClientMessage(data)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				h.push(out, ServerError{Type: "error", Code: de.Code, Message: de.Message, Param: de.Param})
			} else {
				h.push(out, ServerError{Type: "error", Code: "bad_request", Message: "invalid frame"})
			}
			continue
		}

		ev, ok := frameToEvent(decoded)
		if !ok {
			h.push(out, ServerError{Type: "error", Code: "bad_request", Message: "hello may only be sent once"})
			continue
		}
		stamped, err := sess.Enqueue(ev)
		if err != nil {
			if errors.Is(err, event.ErrQueueClosed) {
				return
			}
			h.push(out, ServerError{Type: "error", Code: "internal", Message: "failed to enqueue event"})
			continue
		}
		h.push(out, ServerEventAck{
			Type:      "event_ack",
			EventID:   stamped.ID,
			EventType: string(stamped.Type),
			Seq:       stamped.Seq,
		})
	}
}

// frameToEvent maps a decoded client frame onto the session event it carries.
func frameToEvent(decoded any) (event.Event, bool) {
	switch msg := decoded.(type) {
	case ClientSpeech:
		typ := event.TypeSpeechStarted
		if msg.Partial {
			typ = event.TypeSTTPartial
		}
		return event.Event{
			Type:    typ,
			Source:  "transport",
			Payload: event.SpeechStartedPayload{Words: msg.Words, Text: msg.Text},
		}, true
	case ClientTranscriptFinal:
		return event.Event{
			Type:    event.TypeSTTFinal,
			Source:  "transport",
			Payload: event.STTFinalPayload{Text: msg.Text},
		}, true
	case ClientModelResponse:
		return event.Event{
			Type:   event.TypeLLMResponse,
			Source: "transport",
			Payload: event.LLMResponsePayload{
				Text:       msg.Text,
				ToolName:   msg.ToolName,
				ToolParams: msg.ToolParams,
			},
		}, true
	case ClientTTSProgress:
		return event.Event{
			Type:   event.TypeTTSProgress,
			Source: "transport",
			Payload: event.TTSProgressPayload{
				AssistantID: msg.AssistantID,
				Words:       msg.Words,
				PlayedMS:    msg.PlayedMS,
				State:       msg.State,
			},
		}, true
	case ClientTTSComplete:
		return event.Event{
			Type:    event.TypeTTSComplete,
			Source:  "transport",
			Payload: event.TTSCompletePayload{AssistantID: msg.AssistantID, Text: msg.Text},
		}, true
	case ClientControl:
		switch msg.Op {
		case "start_call":
			return event.Event{Type: event.TypeCallStart, Source: "transport"}, true
		case "end_session":
			return event.Event{Type: event.TypeSessionEnd, Source: "transport"}, true
		}
	}
	return event.Event{}, false
}

// writeLoop owns the socket's write side: outbound frames, pings, and the
// close handshake.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan any, writeTimeout time.Duration) {
	pingInterval := h.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case frame := <-out:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// push sends without blocking; a slow client loses acks and notices, never
// events.
func (h *Handler) push(out chan<- any, frame any) {
	select {
	case out <- frame:
	default:
		if h.Logger != nil {
			h.Logger.Debug("outbound frame dropped, client too slow")
		}
	}
}

func (h *Handler) stateObserver(hello ClientHello, out chan<- any) func(engine.TransitionResult) {
	if !hello.Features.WantStateEvents {
		return nil
	}
	return func(res engine.TransitionResult) {
		h.push(out, ServerStateChange{
			Type:      "state",
			From:      res.From,
			To:        res.To,
			EventType: string(res.Event.Type),
			Seq:       res.Event.Seq,
		})
	}
}

func (h *Handler) writeError(conn *websocket.Conn, writeTimeout time.Duration, code, message, param string, closeConn bool) {
	frame := ServerError{Type: "error", Code: code, Message: message, Param: param, Close: closeConn}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	if closeConn {
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	}
}
