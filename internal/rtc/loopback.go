package rtc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LoopbackTransport stands in for a real media SDK in headless runs. It records
// channel membership and lets callers inject publish events.
type LoopbackTransport struct {
	logger zerolog.Logger

	mu       sync.Mutex
	handlers TransportHandlers
	channel  string
}

func NewLoopbackTransport(logger zerolog.Logger) *LoopbackTransport {
	return &LoopbackTransport{logger: logger}
}

func (t *LoopbackTransport) SetHandlers(h TransportHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

func (t *LoopbackTransport) Join(_ context.Context, _, channel, _ string, uid int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.logger.Debug().Str("channel", channel).Int64("uid", uid).Msg("loopback join")
	return nil
}

func (t *LoopbackTransport) Leave(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = ""
	return nil
}

func (t *LoopbackTransport) Subscribe(_ context.Context, user RemoteUser, kind MediaKind) (Track, error) {
	return loopbackTrack{logger: t.logger, uid: user.UID, kind: kind}, nil
}

// Publish simulates a remote participant publishing a track.
func (t *LoopbackTransport) Publish(user RemoteUser, kind MediaKind) {
	t.mu.Lock()
	cb := t.handlers.OnUserPublished
	t.mu.Unlock()
	if cb != nil {
		cb(user, kind)
	}
}

// Channel reports the joined channel name, empty when not joined.
func (t *LoopbackTransport) Channel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

type loopbackTrack struct {
	logger zerolog.Logger
	uid    int64
	kind   MediaKind
}

func (tr loopbackTrack) Play(target string) error {
	tr.logger.Debug().Int64("uid", tr.uid).Str("kind", string(tr.kind)).Str("target", target).Msg("loopback play")
	return nil
}
