package event

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is the per-session ordered event channel. Enqueue never blocks;
// Dequeue blocks until an event or context cancellation. Exactly one
// goroutine is expected to call Dequeue.
type Queue struct {
	mu      sync.Mutex
	buf     []Event
	seq     uint64
	closed  bool
	ready   chan struct{}
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// QueueOption adjusts Queue construction.
type QueueOption func(*Queue)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		buf:     make([]Event, 0, 64),
		ready:   make(chan struct{}, 1),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stamps the event with the next sequence number (and an ID and
// timestamp when the producer left them empty) and appends it to the tail.
// The stamped copy is returned; the caller's value is not mutated.
func (q *Queue) Enqueue(ev Event) (Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Event{}, ErrQueueClosed
	}
	q.seq++
	ev.Seq = q.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now()
	}
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(ev.Timestamp), q.entropy).String()
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return ev, nil
}

// Dequeue returns the next event in strict enqueue order.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			ev := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Seq reports the last assigned sequence number.
func (q *Queue) Seq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Close rejects further enqueues. Buffered events remain dequeueable until
// drained, after which Dequeue returns ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
