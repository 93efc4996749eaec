package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/liveavatar/internal/protocol"
	"github.com/ent0n29/liveavatar/internal/provisioning"
	"github.com/ent0n29/liveavatar/internal/session"
	"github.com/ent0n29/liveavatar/internal/stream"
)

type stateResponse struct {
	State         session.ConnectionState   `json:"state"`
	Session       *session.StreamingSession `json:"session,omitempty"`
	RelayEndpoint string                    `json:"relay_endpoint,omitempty"`
	Input         string                    `json:"input"`
}

type textRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Envelope protocol.Envelope       `json:"envelope"`
	Question protocol.ChatQuestion   `json:"question"`
	State    session.ConnectionState `json:"state"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orchestrator.Start(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("start stream failed")
		switch {
		case errors.Is(err, provisioning.ErrMissingToken):
			respondError(w, http.StatusBadRequest, "missing_token", err.Error())
		case isProvisioningError(err):
			respondProvisioningError(w, err)
		default:
			respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Close(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("close stream failed")
		respondProvisioningError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleListMessages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": s.orchestrator.Messages(),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	env, err := s.orchestrator.Send(r.Context(), req.Text)
	s.respondSend(w, env, err)
}

func (s *Server) handleSetInput(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.orchestrator.SetInput(req.Text)
	respondJSON(w, http.StatusOK, map[string]string{"input": s.orchestrator.Input()})
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	env, err := s.orchestrator.SendInput(r.Context())
	s.respondSend(w, env, err)
}

func (s *Server) respondSend(w http.ResponseWriter, env protocol.Envelope, err error) {
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrEmptyMessage):
			respondError(w, http.StatusBadRequest, "empty_message", err.Error())
		case errors.Is(err, stream.ErrSendInProgress):
			respondError(w, http.StatusConflict, "send_in_progress", err.Error())
		case errors.Is(err, stream.ErrRelayNotOpen):
			respondError(w, http.StatusConflict, "relay_not_open", err.Error())
		case errors.Is(err, stream.ErrAugmentation):
			respondError(w, http.StatusBadGateway, "completion_failed", err.Error())
		default:
			s.logger.Warn().Err(err).Msg("send message failed")
			respondError(w, http.StatusBadGateway, "relay_send_failed", err.Error())
		}
		return
	}
	q, err := env.DecodeQuestion()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sendResponse{
		Envelope: env,
		Question: q,
		State:    s.orchestrator.State(),
	})
}

func (s *Server) snapshot() stateResponse {
	resp := stateResponse{
		State:         s.orchestrator.State(),
		RelayEndpoint: s.orchestrator.RelayEndpoint(),
		Input:         s.orchestrator.Input(),
	}
	if sess, ok := s.orchestrator.Session(); ok {
		resp.Session = &sess
	}
	return resp
}

func respondProvisioningError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Code: "provisioning_failed"}
	var apiErr *provisioning.APIError
	if errors.As(err, &apiErr) {
		resp.Error = apiErr.VendorMessage()
		resp.Retryable = apiErr.Retryable
	}
	respondJSON(w, http.StatusBadGateway, resp)
}

func isProvisioningError(err error) bool {
	var apiErr *provisioning.APIError
	return errors.As(err, &apiErr)
}
