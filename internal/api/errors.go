package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/handoffd/handoffd/flow"
	"github.com/handoffd/handoffd/session"
	"github.com/handoffd/handoffd/token"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON buffers the encoding so a marshalling failure never leaks a
// half-written body behind already-sent headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("encode response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"InternalServerError","message":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: msg})
}

// writeError maps domain errors onto the HTTP taxonomy. Anything
// unmapped is an internal error and its detail stays server-side.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, flow.ErrWrongTokenKind),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, flow.ErrSessionExpired),
		errors.Is(err, flow.ErrNoLinkedUser):
		s.writeErrorMessage(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, flow.ErrNotLoggedIn),
		errors.Is(err, flow.ErrUnsupportedProvider),
		errors.Is(err, flow.ErrUserGone):
		s.writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flow.ErrDuplicateIdentity):
		s.writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
