package session

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// StreamingSession identifies one provisioned remote avatar session.
type StreamingSession struct {
	ID             string `json:"session_id"`
	UID            int64  `json:"uid"`
	AppID          string `json:"app_id"`
	Channel        string `json:"channel"`
	MediaToken     string `json:"-"`
	ClientRelayURL string `json:"client_relay_url"`
	ServerRelayURL string `json:"server_relay_url"`
}

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ChatMessage is one exchanged message, either typed locally or received from the avatar.
type ChatMessage struct {
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	At        time.Time `json:"at"`
}

func (m ChatMessage) SentByMe() bool { return m.Direction == DirectionSent }

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseClosing  Phase = "closing"
)

// ConnectionState is the composite view of the external resources of one streaming session.
type ConnectionState struct {
	Phase           Phase `json:"phase"`
	Joined          bool  `json:"joined"`
	RelayConnected  bool  `json:"relay_connected"`
	VideoSubscribed bool  `json:"video_subscribed"`
	Sending         bool  `json:"sending"`
}

// Busy reports whether any external resource of a previous session is still held.
func (s ConnectionState) Busy() bool {
	return s.Joined || s.RelayConnected
}

// DeriveRelayEndpoint returns the "deliver to" token for outbound relay frames:
// the last path segment of the server relay URL, cut at its first dot.
func DeriveRelayEndpoint(serverRelayURL string) string {
	raw := strings.TrimSpace(serverRelayURL)
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	last := path.Base(p)
	name, _, _ := strings.Cut(last, ".")
	return name
}
