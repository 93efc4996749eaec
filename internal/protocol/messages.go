package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies relay envelope variants.
type FrameType string

const (
	TypeChat FrameType = "chat"
)

const (
	// ModeRepeat asks the avatar to speak the question text verbatim.
	ModeRepeat = 1

	PromptFromURL = "url"
)

var ErrMalformedPayload = errors.New("malformed relay payload")

// Envelope is the outer relay frame. Payload carries a JSON-encoded inner document.
type Envelope struct {
	Type    FrameType `json:"type"`
	To      string    `json:"to,omitempty"`
	Payload string    `json:"payload"`
}

type Prompt struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

// ChatQuestion is the inner payload of an outbound chat frame.
type ChatQuestion struct {
	MessageID string `json:"message_id"`
	VoiceID   string `json:"voice_id"`
	VoiceURL  string `json:"voice_url"`
	Language  string `json:"language"`
	ModeType  int    `json:"mode_type"`
	Prompt    Prompt `json:"prompt"`
	Question  string `json:"question"`
}

// ChatAnswer is the inner payload of an inbound chat frame. Answer is nil when
// the field is absent.
type ChatAnswer struct {
	Answer *string `json:"answer"`
}

// NewChatEnvelope builds the outbound frame for one question.
func NewChatEnvelope(to, messageID, voiceID, language, question string) (Envelope, error) {
	payload, err := json.Marshal(ChatQuestion{
		MessageID: messageID,
		VoiceID:   voiceID,
		VoiceURL:  "",
		Language:  language,
		ModeType:  ModeRepeat,
		Prompt:    Prompt{From: PromptFromURL, Content: ""},
		Question:  question,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal chat payload: %w", err)
	}
	return Envelope{Type: TypeChat, To: to, Payload: string(payload)}, nil
}

// DecodeQuestion reads back the inner payload of an outbound chat frame.
func (e Envelope) DecodeQuestion() (ChatQuestion, error) {
	var q ChatQuestion
	if err := json.Unmarshal([]byte(e.Payload), &q); err != nil {
		return ChatQuestion{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return q, nil
}

// ParseAnswer extracts the remote answer from an inbound relay frame. ok is false
// for any frame that is not a chat frame carrying an answer field.
func ParseAnswer(raw []byte) (answer string, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeChat {
		return "", false, nil
	}
	var msg ChatAnswer
	if err := json.Unmarshal([]byte(env.Payload), &msg); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if msg.Answer == nil {
		return "", false, nil
	}
	return *msg.Answer, true, nil
}
