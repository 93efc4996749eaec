package session

import (
	"sync"
	"time"
)

// Transcript is the append-only, insertion-ordered message history of the chat.
type Transcript struct {
	mu       sync.RWMutex
	messages []ChatMessage
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(text string, dir Direction) ChatMessage {
	m := ChatMessage{Text: text, Direction: dir, At: time.Now().UTC()}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, m)
	return m
}

// Messages returns a copy of the history in insertion order.
func (t *Transcript) Messages() []ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Recent returns at most limit of the newest messages in insertion order. A limit
// of zero or less returns the whole history.
func (t *Transcript) Recent(limit int) []ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(t.messages) {
		start = len(t.messages) - limit
	}
	out := make([]ChatMessage, len(t.messages)-start)
	copy(out, t.messages[start:])
	return out
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}
