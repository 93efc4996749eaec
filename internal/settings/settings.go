package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	DefaultHost        = "https://openapi.akool.com"
	DefaultAvatarID    = "dvp_Tristan_cloth2_1080P"
	DefaultVoiceID     = "Xb7hH8MSUJpSbSDYk0k2"
	DefaultLanguage    = "en"
	DefaultWidth       = 1080
	DefaultHeight      = 720
	DefaultModel       = "gpt-4o-mini"
	DefaultPersonality = "You are a helpful assistant."

	MinWidth  = 320
	MaxWidth  = 1920
	MinHeight = 240
	MaxHeight = 1080
)

var ErrInvalid = errors.New("invalid settings")

type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

type LLM struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Token       string `json:"token,omitempty" yaml:"token"`
	Personality string `json:"personality" yaml:"personality"`
	Model       string `json:"model" yaml:"model"`
}

// Settings is the user-editable configuration the orchestrator reads at call time.
type Settings struct {
	Host       string     `json:"host" yaml:"host"`
	Token      string     `json:"token,omitempty" yaml:"token"`
	AvatarID   string     `json:"avatar_id" yaml:"avatarId"`
	Language   string     `json:"language" yaml:"language"`
	VoiceID    string     `json:"voice_id" yaml:"voiceId"`
	Resolution Resolution `json:"resolution" yaml:"resolution"`
	LLM        LLM        `json:"llm" yaml:"llm"`
}

func Defaults() Settings {
	return Settings{
		Host:       DefaultHost,
		AvatarID:   DefaultAvatarID,
		Language:   DefaultLanguage,
		VoiceID:    DefaultVoiceID,
		Resolution: Resolution{Width: DefaultWidth, Height: DefaultHeight},
		LLM:        LLM{Model: DefaultModel},
	}
}

// Redacted hides credentials for display.
func (s Settings) Redacted() Settings {
	s.Token = mask(s.Token)
	s.LLM.Token = mask(s.LLM.Token)
	return s
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if s.Resolution.Width < MinWidth || s.Resolution.Width > MaxWidth {
		return fmt.Errorf("%w: resolution width must be within %d..%d", ErrInvalid, MinWidth, MaxWidth)
	}
	if s.Resolution.Height < MinHeight || s.Resolution.Height > MaxHeight {
		return fmt.Errorf("%w: resolution height must be within %d..%d", ErrInvalid, MinHeight, MaxHeight)
	}
	return nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Host        *string     `json:"host,omitempty"`
	Token       *string     `json:"token,omitempty"`
	AvatarID    *string     `json:"avatar_id,omitempty"`
	Language    *string     `json:"language,omitempty"`
	VoiceID     *string     `json:"voice_id,omitempty"`
	Resolution  *Resolution `json:"resolution,omitempty"`
	LLMEnabled  *bool       `json:"llm_enabled,omitempty"`
	LLMToken    *string     `json:"llm_token,omitempty"`
	Personality *string     `json:"personality,omitempty"`
	Model       *string     `json:"model,omitempty"`
}

func (p Patch) apply(s Settings) Settings {
	if p.Host != nil {
		s.Host = strings.TrimRight(strings.TrimSpace(*p.Host), "/")
	}
	if p.Token != nil {
		s.Token = strings.TrimSpace(*p.Token)
	}
	if p.AvatarID != nil {
		s.AvatarID = strings.TrimSpace(*p.AvatarID)
	}
	if p.Language != nil {
		s.Language = strings.TrimSpace(*p.Language)
	}
	if p.VoiceID != nil {
		s.VoiceID = strings.TrimSpace(*p.VoiceID)
	}
	if p.Resolution != nil {
		s.Resolution = *p.Resolution
	}
	if p.LLMEnabled != nil {
		s.LLM.Enabled = *p.LLMEnabled
	}
	if p.LLMToken != nil {
		s.LLM.Token = strings.TrimSpace(*p.LLMToken)
	}
	if p.Personality != nil {
		s.LLM.Personality = *p.Personality
	}
	if p.Model != nil {
		s.LLM.Model = strings.TrimSpace(*p.Model)
	}
	return s
}

// Store holds the current settings. The surrounding UI mutates it; the
// orchestrator only takes snapshots.
type Store struct {
	mu      sync.RWMutex
	current Settings
}

func NewStore(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{current: initial}, nil
}

func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a patch atomically. An invalid result leaves the store unchanged.
func (s *Store) Update(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.apply(s.current)
	if err := next.Validate(); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
