package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/liveavatar/internal/events"
	"github.com/ent0n29/liveavatar/internal/llm"
	"github.com/ent0n29/liveavatar/internal/protocol"
	"github.com/ent0n29/liveavatar/internal/relay"
	"github.com/ent0n29/liveavatar/internal/rtc"
	"github.com/ent0n29/liveavatar/internal/session"
	"github.com/ent0n29/liveavatar/internal/settings"
)

type fakeProvisioner struct {
	mu        sync.Mutex
	sessions  []session.StreamingSession
	creates   int
	closed    []string
	createErr error
	closeErr  error
}

func (p *fakeProvisioner) Create(_ context.Context, _, _, _ string) (session.StreamingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return session.StreamingSession{}, p.createErr
	}
	s := p.sessions[p.creates%len(p.sessions)]
	p.creates++
	return s, nil
}

func (p *fakeProvisioner) Close(_ context.Context, _, _, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
	return p.closeErr
}

func (p *fakeProvisioner) closedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

type fakeMedia struct {
	mu       sync.Mutex
	handlers rtc.Handlers
	joined   bool
	joins    []rtc.Credentials
	leaves   int
	joinErr  error
}

func (m *fakeMedia) SetHandlers(h rtc.Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

func (m *fakeMedia) Join(_ context.Context, creds rtc.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, creds)
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joined = true
	return nil
}

func (m *fakeMedia) Leave(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves++
	m.joined = false
	return nil
}

func (m *fakeMedia) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *fakeMedia) publishVideo() {
	m.mu.Lock()
	cb := m.handlers.OnVideoSubscribed
	m.mu.Unlock()
	cb()
}

func (m *fakeMedia) counts() (joins, leaves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joins), m.leaves
}

type fakeRelay struct {
	mu         sync.Mutex
	handlers   relay.Handlers
	open       bool
	urls       []string
	closes     int
	sent       []protocol.Envelope
	connectErr error
	sendErr    error

	// sendGate, when set, is signalled on entry to Send and then waited on.
	sendEntered chan struct{}
	sendGate    chan struct{}
}

func (r *fakeRelay) SetHandlers(h relay.Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = h
}

func (r *fakeRelay) Connect(_ context.Context, url string) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	if r.connectErr != nil {
		r.mu.Unlock()
		return r.connectErr
	}
	r.open = true
	onOpen := r.handlers.OnOpen
	r.mu.Unlock()
	onOpen()
	return nil
}

func (r *fakeRelay) Send(_ context.Context, env protocol.Envelope) error {
	if r.sendGate != nil {
		r.sendEntered <- struct{}{}
		<-r.sendGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	r.closes++
	wasOpen := r.open
	r.open = false
	onClose := r.handlers.OnClose
	r.mu.Unlock()
	if wasOpen {
		onClose(nil)
	}
	return nil
}

func (r *fakeRelay) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *fakeRelay) answer(text string) {
	r.mu.Lock()
	cb := r.handlers.OnAnswer
	r.mu.Unlock()
	cb(text)
}

func (r *fakeRelay) drop() {
	r.mu.Lock()
	r.open = false
	cb := r.handlers.OnClose
	r.mu.Unlock()
	cb(errors.New("connection reset"))
}

func (r *fakeRelay) sentEnvelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.sent...)
}

func (r *fakeRelay) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests []llm.Request
	replies  []string
	err      error
}

func (c *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return reply, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func testSession(id, room string) session.StreamingSession {
	return session.StreamingSession{
		ID:             id,
		UID:            77,
		AppID:          "app-1",
		Channel:        "chan-" + id,
		MediaToken:     "media-" + id,
		ClientRelayURL: "wss://relay.example.com/client/" + room + ".ws",
		ServerRelayURL: "wss://relay.example.com/rooms/" + room + ".ws",
	}
}

type harness struct {
	orch      *Orchestrator
	prov      *fakeProvisioner
	media     *fakeMedia
	relay     *fakeRelay
	completer *fakeCompleter
	store     *settings.Store
	events    *eventLog
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	initial := settings.Defaults()
	initial.Token = "akool-token"
	store, err := settings.NewStore(initial)
	require.NoError(t, err)

	h := &harness{
		prov:      &fakeProvisioner{sessions: []session.StreamingSession{testSession("s1", "abc123"), testSession("s2", "def456")}},
		media:     &fakeMedia{},
		relay:     &fakeRelay{},
		completer: &fakeCompleter{replies: []string{"rewritten"}},
		store:     store,
		events:    &eventLog{},
	}
	if opts.NewMessageID == nil {
		n := 0
		opts.NewMessageID = func() string {
			n++
			return "msg-" + string(rune('0'+n))
		}
	}
	h.orch = New(Deps{
		Provisioner: h.prov,
		Media:       h.media,
		Relay:       h.relay,
		Completer:   h.completer,
		Settings:    store,
		Events:      h.events,
		Logger:      zerolog.Nop(),
	}, opts)
	return h
}

func (h *harness) enableLLM(t *testing.T) {
	t.Helper()
	enabled := true
	token := "sk-test"
	personality := "You are a pirate."
	_, err := h.store.Update(settings.Patch{LLMEnabled: &enabled, LLMToken: &token, Personality: &personality})
	require.NoError(t, err)
}

func decodeQuestion(t *testing.T, env protocol.Envelope) protocol.ChatQuestion {
	t.Helper()
	q, err := env.DecodeQuestion()
	require.NoError(t, err)
	return q
}
