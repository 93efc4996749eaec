package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ent0n29/liveavatar/internal/observability"
	"github.com/ent0n29/liveavatar/internal/protocol"
	"github.com/ent0n29/liveavatar/internal/session"
	"github.com/ent0n29/liveavatar/internal/settings"
)

type Orchestrator interface {
	Start(ctx context.Context) (session.StreamingSession, error)
	Close(ctx context.Context) error
	Send(ctx context.Context, text string) (protocol.Envelope, error)
	SendInput(ctx context.Context) (protocol.Envelope, error)
	SetInput(text string)
	Input() string
	State() session.ConnectionState
	Session() (session.StreamingSession, bool)
	Messages() []session.ChatMessage
	RelayEndpoint() string
}

type SettingsStore interface {
	Snapshot() settings.Settings
	Update(p settings.Patch) (settings.Settings, error)
}

type Server struct {
	orchestrator Orchestrator
	settings     SettingsStore
	events       *EventStream
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func New(orchestrator Orchestrator, store SettingsStore, events *EventStream, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		orchestrator: orchestrator,
		settings:     store,
		events:       events,
		metrics:      metrics,
		logger:       logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/settings", s.handleGetSettings)
	r.Patch("/v1/settings", s.handlePatchSettings)

	r.Post("/v1/stream/start", s.handleStart)
	r.Post("/v1/stream/close", s.handleClose)
	r.Get("/v1/stream/state", s.handleState)
	r.Get("/v1/stream/messages", s.handleListMessages)
	r.Post("/v1/stream/messages", s.handleSendMessage)
	r.Put("/v1/stream/input", s.handleSetInput)
	r.Post("/v1/stream/input/send", s.handleSendInput)
	if s.events != nil {
		r.Handle("/v1/stream/events", s.events)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  s.orchestrator.State().Phase,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	cfg := s.settings.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"provisioning_auth": strings.TrimSpace(cfg.Token) != "",
		"llm_enabled":       cfg.LLM.Enabled,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.settings.Snapshot().Redacted())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	next, err := s.settings.Update(patch)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, next.Redacted())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Retryable tells the caller the same request may succeed if issued again.
	Retryable bool `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
