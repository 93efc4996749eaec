package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"

	"github.com/ent0n29/liveavatar/internal/events"
)

// EventStream serves orchestrator events to browsers as Server-Sent Events.
// Every client receives every event on the default topic.
type EventStream struct {
	srv    *sse.Server
	logger zerolog.Logger
}

func NewEventStream(logger zerolog.Logger) *EventStream {
	return &EventStream{
		srv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
		logger: logger,
	}
}

func (e *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.srv.ServeHTTP(w, r)
}

// Publish implements events.Sink.
func (e *EventStream) Publish(_ context.Context, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn().Err(err).Msg("marshal event failed")
		return
	}
	msg := &sse.Message{Type: sse.Type(string(ev.Type))}
	msg.AppendData(string(data))
	if err := e.srv.Publish(msg); err != nil {
		e.logger.Debug().Err(err).Msg("publish sse event failed")
	}
}

// Shutdown tells connected clients the stream is ending and closes their
// connections, forcing them after five seconds.
func (e *EventStream) Shutdown(ctx context.Context) error {
	bye := &sse.Message{Type: sse.Type("close")}
	bye.AppendData("bye")
	_ = e.srv.Publish(bye)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}
