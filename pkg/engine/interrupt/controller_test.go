package interrupt

import (
	"context"
	"testing"
	"time"

	"github.com/vango-go/convoctl/pkg/event"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func activePlayback() *Playback {
	p := NewPlayback("a_1")
	p.AddWords([]event.WordTiming{
		{Word: "hello", StartMS: 0, EndMS: 200},
		{Word: "there", StartMS: 210, EndMS: 400},
	})
	p.Mark(400, "playing")
	return p
}

func TestControllerOnSpeech_BelowThresholdIgnored(t *testing.T) {
	q := event.NewQueue()
	now, _ := testClock(time.Unix(1700000000, 0))
	c := NewController(Config{MinWords: 2}, q, nil, nil, now)

	if c.OnSpeech("s1", "tr", 1, true, activePlayback()) {
		t.Fatal("single word emitted a barge_in")
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", q.Len())
	}
}

func TestControllerOnSpeech_EmitsBargeInWithDeliveredPrefix(t *testing.T) {
	q := event.NewQueue()
	now, _ := testClock(time.Unix(1700000000, 0))
	c := NewController(Config{MinWords: 2}, q, nil, nil, now)

	if !c.OnSpeech("s1", "tr-9", 2, true, activePlayback()) {
		t.Fatal("threshold-clearing burst did not emit barge_in")
	}
	ev, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ev.Type != event.TypeBargeIn || ev.TraceID != "tr-9" {
		t.Fatalf("event = %+v", ev)
	}
	p, ok := ev.Payload.(event.BargeInPayload)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if p.DeliveredText != "hello there" || p.DeliveredDurationMS != 400 || p.LastDeliveredWord != "there" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestControllerOnSpeech_SuppressedWhenNotInterruptible(t *testing.T) {
	q := event.NewQueue()
	now, advance := testClock(time.Unix(1700000000, 0))
	c := NewController(Config{MinWords: 2, GraceWindow: 500 * time.Millisecond}, q, nil, nil, now)

	if c.OnSpeech("s1", "tr", 3, false, activePlayback()) {
		t.Fatal("suppressed burst emitted a barge_in")
	}
	if c.SuppressedCount() != 1 {
		t.Fatalf("SuppressedCount = %d, want 1", c.SuppressedCount())
	}

	// Within the grace window nothing happens, not even another suppression
	// count, so a stutter of retriggers cannot thrash.
	advance(200 * time.Millisecond)
	if c.OnSpeech("s1", "tr", 3, true, activePlayback()) {
		t.Fatal("burst inside grace window emitted a barge_in")
	}

	advance(400 * time.Millisecond)
	if !c.OnSpeech("s1", "tr", 3, true, activePlayback()) {
		t.Fatal("burst after grace window did not emit")
	}
}

func TestControllerOnSpeech_OneBargeInPerUtterance(t *testing.T) {
	q := event.NewQueue()
	now, _ := testClock(time.Unix(1700000000, 0))
	c := NewController(Config{MinWords: 2}, q, nil, nil, now)
	p := activePlayback()

	if !c.OnSpeech("s1", "tr", 2, true, p) {
		t.Fatal("first burst did not emit")
	}
	if c.OnSpeech("s1", "tr", 4, true, p) {
		t.Fatal("second burst for the same utterance emitted again")
	}
	c.Reset()
	if !c.OnSpeech("s1", "tr", 2, true, p) {
		t.Fatal("burst after reset did not emit")
	}
}

func TestControllerOnSpeech_NoPlaybackNoEmit(t *testing.T) {
	q := event.NewQueue()
	now, _ := testClock(time.Unix(1700000000, 0))
	c := NewController(Config{MinWords: 2}, q, nil, nil, now)

	if c.OnSpeech("s1", "tr", 5, true, nil) {
		t.Fatal("emitted barge_in with nothing playing")
	}
}
