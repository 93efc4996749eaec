package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/liveavatar/internal/reliability"
	"github.com/ent0n29/liveavatar/internal/session"
)

const (
	CodeSuccess = 1000

	createPath = "/api/open/v3/liveAvatar/session/create"
	closePath  = "/api/open/v3/liveAvatar/session/close"

	streamTypeAgora = "agora"
)

var ErrMissingToken = errors.New("provisioning token is not set")

// APIError is a failed provisioning exchange. Code is the vendor application code
// when the body carried one; HTTPStatus is zero when no response arrived.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       int
	Msg        string
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s session: %s (code %d)", e.Op, e.Msg, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s session: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s session: http status %d: %s", e.Op, e.HTTPStatus, e.Msg)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// VendorMessage is the message the vendor attached to the failure, if any.
func (e *APIError) VendorMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Error()
}

// Client talks to the liveAvatar session API.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createRequest struct {
	StreamType string `json:"stream_type"`
	AvatarID   string `json:"avatar_id"`
}

type closeRequest struct {
	ID string `json:"id"`
}

type sessionData struct {
	ID         string `json:"_id"`
	UID        int64  `json:"uid"`
	StreamURLs struct {
		AgoraAppID        string `json:"agora_app_id"`
		AgoraChannel      string `json:"agora_channel"`
		AgoraToken        string `json:"agora_token"`
		ClientChatRoomURL string `json:"client_chat_room_url"`
		ServerChatRoomURL string `json:"server_chat_room_url"`
	} `json:"stream_urls"`
}

// Create provisions a new remote avatar streaming session.
func (c *Client) Create(ctx context.Context, host, token, avatarID string) (session.StreamingSession, error) {
	data, err := c.do(ctx, "create", host, token, createPath, createRequest{
		StreamType: streamTypeAgora,
		AvatarID:   avatarID,
	})
	if err != nil {
		return session.StreamingSession{}, err
	}

	var d sessionData
	if err := json.Unmarshal(data, &d); err != nil {
		return session.StreamingSession{}, &APIError{Op: "create", Err: fmt.Errorf("decode session data: %w", err)}
	}
	if strings.TrimSpace(d.ID) == "" {
		return session.StreamingSession{}, &APIError{Op: "create", Err: errors.New("response is missing session id")}
	}
	return session.StreamingSession{
		ID:             d.ID,
		UID:            d.UID,
		AppID:          d.StreamURLs.AgoraAppID,
		Channel:        d.StreamURLs.AgoraChannel,
		MediaToken:     d.StreamURLs.AgoraToken,
		ClientRelayURL: d.StreamURLs.ClientChatRoomURL,
		ServerRelayURL: d.StreamURLs.ServerChatRoomURL,
	}, nil
}

// Close releases a remote session.
func (c *Client) Close(ctx context.Context, host, token, sessionID string) error {
	_, err := c.do(ctx, "close", host, token, closePath, closeRequest{ID: sessionID})
	return err
}

func (c *Client) do(ctx context.Context, op, host, token, path string, body any) (json.RawMessage, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &APIError{Op: op, Err: ErrMissingToken}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &APIError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := strings.TrimRight(strings.TrimSpace(host), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Retryable: reliability.IsRetryableTransportError(err), Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &APIError{Op: op, HTTPStatus: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	// The vendor reports failures in the body; prefer its code and msg over the transport status.
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || (env.Code == 0 && env.Msg == "") {
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, &APIError{
				Op:         op,
				HTTPStatus: res.StatusCode,
				Msg:        strings.TrimSpace(string(raw)),
				Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			}
		}
		if err != nil {
			return nil, &APIError{Op: op, HTTPStatus: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	if env.Code != CodeSuccess {
		msg := env.Msg
		if msg == "" {
			msg = "vendor returned code " + strconv.Itoa(env.Code)
		}
		return nil, &APIError{
			Op:         op,
			HTTPStatus: res.StatusCode,
			Code:       env.Code,
			Msg:        msg,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return env.Data, nil
}
