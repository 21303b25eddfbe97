// Package interrupt decides whether user speech may cut off in-flight output,
// and computes the exact delivered prefix when it does. The hard invariant it
// serves: conversation history must never contain content that was not
// actually played to the user.
package interrupt

import (
	"strings"
	"sync"

	"github.com/vango-go/convoctl/pkg/event"
)

// Playback tracks one assistant utterance's word-timestamp track against the
// client-reported playback position. Words arrive from the TTS collaborator;
// marks arrive from the client. Both sides touch it from producer goroutines,
// so it carries its own lock.
type Playback struct {
	id string

	mu       sync.Mutex
	words    []event.WordTiming
	playedMS int64
	state    string
}

func NewPlayback(id string) *Playback {
	return &Playback{id: strings.TrimSpace(id), words: make([]event.WordTiming, 0, 64)}
}

func (p *Playback) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

// AddWords appends a slice of the word-timestamp track.
func (p *Playback) AddWords(words []event.WordTiming) {
	if p == nil || len(words) == 0 {
		return
	}
	p.mu.Lock()
	p.words = append(p.words, words...)
	p.mu.Unlock()
}

// Mark records the client-reported playback position.
func (p *Playback) Mark(playedMS int64, state string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if playedMS > p.playedMS {
		p.playedMS = playedMS
	}
	p.state = strings.ToLower(strings.TrimSpace(state))
	p.mu.Unlock()
}

// Finished reports whether the client played the utterance to the end.
func (p *Playback) Finished() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == "finished"
}

// Delivered returns the prefix actually played: exactly the words whose
// end_ms <= the reported position, joined with single spaces, plus the
// position and last delivered word. A finished utterance delivers everything.
func (p *Playback) Delivered() (text string, deliveredMS int64, lastWord string) {
	if p == nil {
		return "", 0, ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.playedMS
	if p.state == "finished" && len(p.words) > 0 {
		cutoff = p.words[len(p.words)-1].EndMS
	}
	var b strings.Builder
	for _, w := range p.words {
		if w.EndMS > cutoff {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w.Word)
		lastWord = w.Word
	}
	return b.String(), cutoff, lastWord
}
