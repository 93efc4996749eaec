package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/liveavatar/internal/events"
	"github.com/ent0n29/liveavatar/internal/llm"
	"github.com/ent0n29/liveavatar/internal/observability"
	"github.com/ent0n29/liveavatar/internal/protocol"
	"github.com/ent0n29/liveavatar/internal/relay"
	"github.com/ent0n29/liveavatar/internal/rtc"
	"github.com/ent0n29/liveavatar/internal/session"
	"github.com/ent0n29/liveavatar/internal/settings"
)

var (
	ErrRelayNotOpen   = errors.New("relay channel is not open")
	ErrSendInProgress = errors.New("a message is already being sent")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrAugmentation   = errors.New("message augmentation failed")
)

type Provisioner interface {
	Create(ctx context.Context, host, token, avatarID string) (session.StreamingSession, error)
	Close(ctx context.Context, host, token, sessionID string) error
}

type MediaChannel interface {
	SetHandlers(h rtc.Handlers)
	Join(ctx context.Context, creds rtc.Credentials) error
	Leave(ctx context.Context) error
	Joined() bool
}

type RelayChannel interface {
	SetHandlers(h relay.Handlers)
	Connect(ctx context.Context, url string) error
	Send(ctx context.Context, env protocol.Envelope) error
	Close() error
	IsOpen() bool
}

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// SettingsSource yields the current user settings. The orchestrator reads it at
// the start of every operation and never caches the result.
type SettingsSource interface {
	Snapshot() settings.Settings
}

type Deps struct {
	Provisioner Provisioner
	Media       MediaChannel
	Relay       RelayChannel
	Completer   Completer
	Settings    SettingsSource
	Events      events.Sink
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

type Options struct {
	// HistoryLimit caps how many prior messages are replayed to the completion
	// call. Zero replays the whole transcript.
	HistoryLimit int
	// RollbackPartialStart closes the provisioned session when the media join or
	// relay connect fails during Start.
	RollbackPartialStart bool
	// NewMessageID overrides outbound message id generation.
	NewMessageID func() string
}

// Orchestrator owns one avatar streaming session at a time: its provisioned
// session, media and relay connections, transcript and input buffer.
type Orchestrator struct {
	provisioner Provisioner
	media       MediaChannel
	relay       RelayChannel
	completer   Completer
	settings    SettingsSource
	sink        events.Sink
	metrics     *observability.Metrics
	logger      zerolog.Logger
	opts        Options

	// lifecycleMu serializes Start and Close.
	lifecycleMu sync.Mutex

	mu         sync.Mutex
	state      session.ConnectionState
	current    *session.StreamingSession
	endpoint   string
	input      string
	transcript *session.Transcript
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if opts.NewMessageID == nil {
		opts.NewMessageID = func() string { return "msg-" + uuid.NewString() }
	}
	o := &Orchestrator{
		provisioner: deps.Provisioner,
		media:       deps.Media,
		relay:       deps.Relay,
		completer:   deps.Completer,
		settings:    deps.Settings,
		sink:        deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		opts:        opts,
		state:       session.ConnectionState{Phase: session.PhaseIdle},
		transcript:  session.NewTranscript(),
	}
	o.relay.SetHandlers(relay.Handlers{
		OnOpen:   o.onRelayOpen,
		OnAnswer: o.onAnswer,
		OnClose:  o.onRelayClose,
	})
	o.media.SetHandlers(rtc.Handlers{
		OnVideoSubscribed: o.onVideoSubscribed,
	})
	return o
}

// Start provisions a new session and connects its media channel and relay. Any
// resources still held from a previous session are torn down first.
func (o *Orchestrator) Start(ctx context.Context) (session.StreamingSession, error) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.holdsResources() {
		if err := o.closeLocked(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("closing previous session failed")
		}
	}

	cfg := o.settings.Snapshot()
	o.setPhase(session.PhaseStarting)

	began := time.Now()
	sess, err := o.provisioner.Create(ctx, cfg.Host, cfg.Token, cfg.AvatarID)
	o.metrics.ObserveProvisioningLatency(time.Since(began))
	if err != nil {
		o.metrics.SessionEvent("start_failed")
		o.setPhase(session.PhaseIdle)
		return session.StreamingSession{}, fmt.Errorf("provision session: %w", err)
	}

	endpoint := session.DeriveRelayEndpoint(sess.ServerRelayURL)
	o.mu.Lock()
	stored := sess
	o.current = &stored
	o.endpoint = endpoint
	o.mu.Unlock()
	o.metrics.SetActiveSessions(1)
	o.logger.Info().Str("session_id", sess.ID).Str("endpoint", endpoint).Msg("session provisioned")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := o.media.Join(gctx, rtc.Credentials{
			AppID:   sess.AppID,
			Channel: sess.Channel,
			Token:   sess.MediaToken,
			UID:     sess.UID,
		})
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.state.Joined = true
		o.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		return o.relay.Connect(gctx, sess.ClientRelayURL)
	})
	if err := g.Wait(); err != nil {
		o.metrics.SessionEvent("start_failed")
		if o.opts.RollbackPartialStart {
			if cerr := o.closeLocked(context.WithoutCancel(ctx)); cerr != nil {
				o.logger.Warn().Err(cerr).Str("session_id", sess.ID).Msg("rollback of partial start failed")
			}
		} else {
			o.setPhase(session.PhaseActive)
		}
		return sess, fmt.Errorf("connect session %s: %w", sess.ID, err)
	}

	o.metrics.SessionEvent("started")
	o.setPhase(session.PhaseActive)
	return sess, nil
}

// Close tears down the current session. With nothing held it is a no-op.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.holdsResources() {
		return nil
	}
	return o.closeLocked(ctx)
}

// closeLocked runs every teardown step regardless of earlier failures. Only a
// failed vendor close is returned; the local state is cleared either way.
func (o *Orchestrator) closeLocked(ctx context.Context) error {
	o.setPhase(session.PhaseClosing)

	if err := o.relay.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("closing relay failed")
	}
	o.mu.Lock()
	o.state.RelayConnected = false
	joined := o.state.Joined
	o.mu.Unlock()

	if joined || o.media.Joined() {
		if err := o.media.Leave(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("leaving media channel failed")
		}
	}

	o.mu.Lock()
	o.state.Joined = false
	cur := o.current
	o.mu.Unlock()

	var closeErr error
	if cur != nil {
		cfg := o.settings.Snapshot()
		if err := o.provisioner.Close(ctx, cfg.Host, cfg.Token, cur.ID); err != nil {
			o.logger.Warn().Err(err).Str("session_id", cur.ID).Msg("closing vendor session failed")
			closeErr = fmt.Errorf("close session %s: %w", cur.ID, err)
		}
	}

	o.mu.Lock()
	o.current = nil
	o.endpoint = ""
	o.state.VideoSubscribed = false
	o.mu.Unlock()

	o.metrics.SetActiveSessions(0)
	o.metrics.SessionEvent("closed")
	o.setPhase(session.PhaseIdle)
	return closeErr
}

// Send forwards one user message to the avatar, rewriting it through the
// completion API first when augmentation is enabled. It returns the envelope
// written to the relay.
func (o *Orchestrator) Send(ctx context.Context, text string) (protocol.Envelope, error) {
	if strings.TrimSpace(text) == "" {
		o.metrics.SendRejected("empty_message")
		return protocol.Envelope{}, ErrEmptyMessage
	}

	o.mu.Lock()
	if !o.state.RelayConnected {
		o.mu.Unlock()
		o.metrics.SendRejected("relay_not_open")
		return protocol.Envelope{}, ErrRelayNotOpen
	}
	if o.state.Sending {
		o.mu.Unlock()
		o.metrics.SendRejected("send_in_progress")
		return protocol.Envelope{}, ErrSendInProgress
	}
	o.state.Sending = true
	history := o.transcript.Recent(o.opts.HistoryLimit)
	echo := o.transcript.Append(text, session.DirectionSent)
	endpoint := o.endpoint
	sessionID := o.sessionIDLocked()
	state := o.state
	o.mu.Unlock()

	o.publishMessage(ctx, sessionID, echo)
	o.publishState(ctx, sessionID, state)
	defer func() {
		o.mu.Lock()
		o.state.Sending = false
		state := o.state
		o.mu.Unlock()
		o.publishState(ctx, sessionID, state)
	}()

	cfg := o.settings.Snapshot()
	question := text
	if cfg.LLM.Enabled {
		rewritten, err := o.augment(ctx, cfg, history, text)
		if err != nil {
			return protocol.Envelope{}, err
		}
		question = rewritten
	}

	env, err := protocol.NewChatEnvelope(endpoint, o.opts.NewMessageID(), cfg.VoiceID, cfg.Language, question)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := o.relay.Send(ctx, env); err != nil {
		if errors.Is(err, relay.ErrNotConnected) {
			o.metrics.SendRejected("relay_not_open")
			return protocol.Envelope{}, fmt.Errorf("%w: %w", ErrRelayNotOpen, err)
		}
		return protocol.Envelope{}, fmt.Errorf("send message: %w", err)
	}

	o.mu.Lock()
	o.input = ""
	o.mu.Unlock()
	return env, nil
}

func (o *Orchestrator) augment(ctx context.Context, cfg settings.Settings, history []session.ChatMessage, text string) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		role := llm.RoleAssistant
		if m.SentByMe() {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	began := time.Now()
	out, err := o.completer.Complete(ctx, llm.Request{
		Token:        cfg.LLM.Token,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.Personality,
		Messages:     msgs,
	})
	o.metrics.ObserveCompletionLatency(time.Since(began))
	if err != nil {
		o.metrics.ProviderError("llm", "completion")
		return "", fmt.Errorf("%w: %w", ErrAugmentation, err)
	}
	return out, nil
}

func (o *Orchestrator) SetInput(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.input = text
}

func (o *Orchestrator) Input() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.input
}

// SendInput sends the current input buffer.
func (o *Orchestrator) SendInput(ctx context.Context) (protocol.Envelope, error) {
	return o.Send(ctx, o.Input())
}

func (o *Orchestrator) State() session.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the stored session, if any.
func (o *Orchestrator) Session() (session.StreamingSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return session.StreamingSession{}, false
	}
	return *o.current, true
}

func (o *Orchestrator) Messages() []session.ChatMessage {
	return o.transcript.Messages()
}

func (o *Orchestrator) RelayEndpoint() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoint
}

func (o *Orchestrator) onRelayOpen() {
	o.mu.Lock()
	o.state.RelayConnected = true
	state, id := o.state, o.sessionIDLocked()
	o.mu.Unlock()
	o.publishState(context.Background(), id, state)
}

func (o *Orchestrator) onRelayClose(err error) {
	o.mu.Lock()
	o.state.RelayConnected = false
	state, id := o.state, o.sessionIDLocked()
	o.mu.Unlock()
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", id).Msg("relay dropped")
	}
	o.publishState(context.Background(), id, state)
}

func (o *Orchestrator) onAnswer(text string) {
	msg := o.transcript.Append(text, session.DirectionReceived)
	o.mu.Lock()
	id := o.sessionIDLocked()
	o.mu.Unlock()
	o.publishMessage(context.Background(), id, msg)
}

func (o *Orchestrator) onVideoSubscribed() {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		o.logger.Debug().Msg("ignoring video subscription without a session")
		return
	}
	o.state.VideoSubscribed = true
	state, id := o.state, o.sessionIDLocked()
	o.mu.Unlock()
	ctx := context.Background()
	o.sink.Publish(ctx, events.Event{Type: events.TypeVideo, Session: id, At: time.Now().UTC()})
	o.publishState(ctx, id, state)
}

func (o *Orchestrator) holdsResources() bool {
	o.mu.Lock()
	held := o.current != nil || o.state.Busy()
	o.mu.Unlock()
	return held || o.media.Joined() || o.relay.IsOpen()
}

func (o *Orchestrator) setPhase(p session.Phase) {
	o.mu.Lock()
	o.state.Phase = p
	state, id := o.state, o.sessionIDLocked()
	o.mu.Unlock()
	o.logger.Debug().Str("phase", string(p)).Str("session_id", id).Msg("phase changed")
	o.publishState(context.Background(), id, state)
}

func (o *Orchestrator) sessionIDLocked() string {
	if o.current == nil {
		return ""
	}
	return o.current.ID
}

func (o *Orchestrator) publishState(ctx context.Context, sessionID string, state session.ConnectionState) {
	o.sink.Publish(ctx, events.Event{Type: events.TypeState, State: &state, Session: sessionID, At: time.Now().UTC()})
}

func (o *Orchestrator) publishMessage(ctx context.Context, sessionID string, msg session.ChatMessage) {
	o.sink.Publish(ctx, events.Event{Type: events.TypeMessage, Message: &msg, Session: sessionID, At: time.Now().UTC()})
}
