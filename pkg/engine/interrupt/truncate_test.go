package interrupt

import (
	"testing"

	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/event"
)

func TestTruncateLastTurn_ReplacesAssistantTurn(t *testing.T) {
	c := engine.NewContext("s1", "")
	c.AppendTurn(engine.Turn{Role: "user", Content: "what's my balance"})
	c.AppendTurn(engine.Turn{Role: "assistant", Content: "your balance is four hundred dollars and your next payment"})

	TruncateLastTurn(c, event.Event{
		Type: event.TypeBargeIn,
		Payload: event.BargeInPayload{
			DeliveredText:       "your balance is four hundred",
			DeliveredDurationMS: 2150,
		},
	})

	if len(c.History) != 2 {
		t.Fatalf("history length = %d", len(c.History))
	}
	last := c.History[1]
	if last.Content != "your balance is four hundred" || !last.Truncated || last.DeliveredMS != 2150 {
		t.Fatalf("truncated turn = %+v", last)
	}
}

func TestTruncateLastTurn_AppendsWhenNoAssistantTurn(t *testing.T) {
	c := engine.NewContext("s1", "")
	c.AppendTurn(engine.Turn{Role: "user", Content: "hello"})

	TruncateLastTurn(c, event.Event{
		Type:    event.TypeBargeIn,
		Payload: event.BargeInPayload{DeliveredText: "hi", DeliveredDurationMS: 300},
	})

	if len(c.History) != 2 {
		t.Fatalf("history length = %d", len(c.History))
	}
	if c.History[0].Content != "hello" {
		t.Fatal("user turn was clobbered")
	}
	if c.History[1].Role != "assistant" || !c.History[1].Truncated {
		t.Fatalf("appended turn = %+v", c.History[1])
	}
}

func TestTruncateLastTurn_IgnoresNonBargeInPayload(t *testing.T) {
	c := engine.NewContext("s1", "")
	c.AppendTurn(engine.Turn{Role: "assistant", Content: "untouched"})

	TruncateLastTurn(c, event.Event{Type: event.TypeBargeIn, Payload: "garbage"})

	if c.History[0].Content != "untouched" {
		t.Fatalf("history mutated: %+v", c.History)
	}
}
