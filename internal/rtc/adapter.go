package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/liveavatar/internal/observability"
)

const (
	// DefaultChannel is joined when the provisioned session names no channel.
	DefaultChannel = "react-room"

	VideoTarget = "remote-video"
)

// Credentials identify the media channel of one provisioned session.
type Credentials struct {
	AppID   string
	Channel string
	Token   string
	UID     int64
}

// Handlers receive adapter-level notifications.
type Handlers struct {
	OnVideoSubscribed func()
}

// Adapter applies the session's media policy on top of a Transport. Transport
// handlers are registered once, here, so repeated sessions never stack callbacks.
type Adapter struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	joined   bool
	handlers Handlers
}

func NewAdapter(transport Transport, logger zerolog.Logger, metrics *observability.Metrics) *Adapter {
	a := &Adapter{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
	}
	transport.SetHandlers(TransportHandlers{
		OnUserPublished: a.onUserPublished,
		OnException:     a.onException,
	})
	return a
}

func (a *Adapter) SetHandlers(h Handlers) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = h
}

// Join enters the media channel, leaving the current one first if needed.
func (a *Adapter) Join(ctx context.Context, creds Credentials) error {
	if creds.Channel == "" {
		creds.Channel = DefaultChannel
	}
	if a.Joined() {
		if err := a.Leave(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("leave before rejoin failed")
		}
	}

	if err := a.transport.Join(ctx, creds.AppID, creds.Channel, creds.Token, creds.UID); err != nil {
		a.metrics.ProviderError("rtc", "join")
		return fmt.Errorf("join media channel %q: %w", creds.Channel, err)
	}

	a.mu.Lock()
	a.joined = true
	a.mu.Unlock()
	a.logger.Info().Str("channel", creds.Channel).Int64("uid", creds.UID).Msg("joined media channel")
	return nil
}

// Leave exits the media channel. The adapter counts as left even if the transport fails.
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	a.joined = false
	a.mu.Unlock()

	if err := a.transport.Leave(ctx); err != nil {
		a.metrics.ProviderError("rtc", "leave")
		return fmt.Errorf("leave media channel: %w", err)
	}
	a.logger.Info().Msg("left media channel")
	return nil
}

func (a *Adapter) Joined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joined
}

// onUserPublished drops publishes that arrive while the adapter is not joined.
func (a *Adapter) onUserPublished(user RemoteUser, kind MediaKind) {
	if !a.Joined() {
		a.logger.Debug().Int64("uid", user.UID).Str("kind", string(kind)).Msg("ignoring publish outside a channel")
		return
	}
	ctx := context.Background()
	switch kind {
	case MediaVideo:
		track, err := a.transport.Subscribe(ctx, user, kind)
		if err != nil {
			a.onException(fmt.Errorf("subscribe video of uid %d: %w", user.UID, err))
			return
		}
		if err := track.Play(VideoTarget); err != nil {
			a.onException(fmt.Errorf("play video of uid %d: %w", user.UID, err))
			return
		}
		a.mu.Lock()
		cb := a.handlers.OnVideoSubscribed
		a.mu.Unlock()
		if cb != nil {
			cb()
		}
	case MediaAudio:
		track, err := a.transport.Subscribe(ctx, user, kind)
		if err != nil {
			a.onException(fmt.Errorf("subscribe audio of uid %d: %w", user.UID, err))
			return
		}
		if err := track.Play(""); err != nil {
			a.onException(fmt.Errorf("play audio of uid %d: %w", user.UID, err))
		}
	default:
		a.logger.Debug().Str("kind", string(kind)).Msg("ignoring unknown media kind")
	}
}

func (a *Adapter) onException(err error) {
	a.metrics.ProviderError("rtc", "exception")
	a.logger.Warn().Err(err).Msg("media channel exception")
}
