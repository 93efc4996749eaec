package events

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/liveavatar/internal/session"
)

type Type string

const (
	TypeState   Type = "state"
	TypeMessage Type = "message"
	TypeVideo   Type = "video"
)

// Event is one orchestrator notification. Exactly one of State or Message is
// set, depending on Type. Session is the provisioned session id, when known.
type Event struct {
	Type    Type                     `json:"type"`
	State   *session.ConnectionState `json:"state,omitempty"`
	Message *session.ChatMessage     `json:"message,omitempty"`
	Session string                   `json:"session_id,omitempty"`
	At      time.Time                `json:"at"`
}

// Sink receives orchestrator events. Publish must not block for long; it is
// called outside the orchestrator's locks but on the caller's goroutine.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Fanout delivers each event to every registered sink in registration order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Publish(ctx context.Context, ev Event) {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(ctx, ev)
	}
}
