package rtc

import "context"

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// RemoteUser is a participant that published a track in the joined channel.
type RemoteUser struct {
	UID int64
}

// Track is a subscribed remote track. An empty target plays without a render surface.
type Track interface {
	Play(target string) error
}

// TransportHandlers are the callbacks a Transport delivers channel events to.
type TransportHandlers struct {
	OnUserPublished func(user RemoteUser, kind MediaKind)
	OnException     func(err error)
}

// Transport is the real-time media capability: join/leave/subscribe/play. Codec
// and network details live behind it.
type Transport interface {
	SetHandlers(h TransportHandlers)
	Join(ctx context.Context, appID, channel, token string, uid int64) error
	Leave(ctx context.Context) error
	Subscribe(ctx context.Context, user RemoteUser, kind MediaKind) (Track, error)
}
