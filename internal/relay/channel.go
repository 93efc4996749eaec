package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/liveavatar/internal/observability"
	"github.com/ent0n29/liveavatar/internal/protocol"
)

var ErrNotConnected = errors.New("relay channel is not open")

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Handlers receive relay lifecycle and chat events. They run on the channel's
// read goroutine or on the goroutine calling Connect/Close.
type Handlers struct {
	OnOpen   func()
	OnAnswer func(text string)
	OnClose  func(err error)
}

// Channel is the chat relay socket of a streaming session. At most one
// connection is live at a time.
type Channel struct {
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	metrics *observability.Metrics

	hmu      sync.RWMutex
	handlers Handlers

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewChannel(dialTimeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Channel {
	return &Channel{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		logger:  logger,
		metrics: metrics,
	}
}

func (c *Channel) SetHandlers(h Handlers) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers = h
}

func (c *Channel) currentHandlers() Handlers {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers
}

// Connect opens the relay socket, closing any live connection first.
func (c *Channel) Connect(ctx context.Context, url string) error {
	if err := c.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing previous relay connection failed")
	}

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.metrics.ProviderError("relay", "dial")
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()
	if prev != nil {
		c.finish(prev, nil)
	}

	c.logger.Info().Str("url", url).Msg("relay connected")
	if h := c.currentHandlers(); h.OnOpen != nil {
		h.OnOpen()
	}
	go c.readLoop(conn)
	return nil
}

// Send writes one envelope on the live connection.
func (c *Channel) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		if !c.isCurrent(conn) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		c.metrics.ProviderError("relay", "write")
		return fmt.Errorf("write relay frame: %w", err)
	}
	c.metrics.RelayFrame("outbound", string(env.Type))
	return nil
}

// Close shuts the live connection, if any. It is a no-op when nothing is open.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.finish(conn, nil)
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) isCurrent(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.release(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		answer, ok, err := protocol.ParseAnswer(data)
		if err != nil {
			c.metrics.RelayFrame("inbound", "malformed")
			c.logger.Warn().Err(err).Msg("dropping malformed relay frame")
			continue
		}
		if !ok {
			c.metrics.RelayFrame("inbound", "ignored")
			continue
		}
		c.metrics.RelayFrame("inbound", string(protocol.TypeChat))
		if h := c.currentHandlers(); h.OnAnswer != nil {
			h.OnAnswer(answer)
		}
	}
}

// release clears the handle when conn is still the live connection. A stale
// connection's read error never touches the state of its successor.
func (c *Channel) release(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		readErr = nil
	} else {
		c.metrics.ProviderError("relay", "read")
	}
	c.finish(conn, readErr)
}

func (c *Channel) finish(conn *websocket.Conn, cause error) error {
	err := conn.Close()
	if cause != nil {
		c.logger.Warn().Err(cause).Msg("relay disconnected")
	} else {
		c.logger.Info().Msg("relay closed")
	}
	if h := c.currentHandlers(); h.OnClose != nil {
		h.OnClose(cause)
	}
	return err
}
