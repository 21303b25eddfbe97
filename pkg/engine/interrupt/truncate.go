package interrupt

import (
	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/event"
)

// TruncateLastTurn is the context mutator for barge_in transitions: it
// replaces the most recent assistant turn with only the delivered prefix from
// the event payload. The full intended output never survives into history.
func TruncateLastTurn(c *engine.Context, ev event.Event) {
	payload, ok := ev.Payload.(event.BargeInPayload)
	if !ok {
		return
	}
	truncated := engine.Turn{
		Role:        "assistant",
		Content:     payload.DeliveredText,
		Truncated:   true,
		DeliveredMS: payload.DeliveredDurationMS,
	}
	if last, exists := c.LastTurn(); exists && last.Role == "assistant" {
		c.ReplaceLastTurn(truncated)
		return
	}
	// Nothing recorded yet for this utterance: the delivered prefix becomes
	// the turn. An empty prefix still marks that the utterance was cut off
	// before any word finished playing.
	c.AppendTurn(truncated)
}
