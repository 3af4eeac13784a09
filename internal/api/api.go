// Package api exposes the auth flow over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/handoffd/handoffd/flow"
)

// Server wires the auth flow service into an HTTP handler.
type Server struct {
	flow    *flow.Service
	log     zerolog.Logger
	metrics http.Handler
}

// Option adjusts server construction.
type Option func(*Server)

// WithMetricsHandler mounts the given handler at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func NewServer(svc *flow.Service, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		flow: svc,
		log:  log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the versioned route table. allowedOrigins is the
// comma-separated HTTP_ALLOWED_ORIGINS value; empty disables CORS.
func (s *Server) Router(allowedOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if allowedOrigins != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   strings.Split(allowedOrigins, ","),
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/auth/v0", func(r chi.Router) {
		r.Post("/login/session", s.handleCreateLoginSession)
		r.Get("/login/session", s.handleLoginWhoAmI)
		r.Post("/login/session/register", s.handleRegister)
		r.Get("/me", s.handleUserWhoAmI)
		r.Post("/me", s.handleCreateUserSession)
		r.Post("/google/login_url", s.handleGoogleLoginURL)
		r.Get("/google/callback", s.handleGoogleCallback)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleCreateLoginSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.flow.StartLoginSession(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"access_token": tok})
}

func (s *Server) handleLoginWhoAmI(w http.ResponseWriter, r *http.Request) {
	sess, err := s.flow.AuthenticateLogin(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"i_am":    sess.IAm,
		"user_id": orNil(sess.UserID),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	user, err := s.flow.Register(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": "Registered new user",
		"user":    user,
	})
}

func (s *Server) handleUserWhoAmI(w http.ResponseWriter, r *http.Request) {
	sess, err := s.flow.AuthenticateUser(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": sess.User.UserID,
		"user":    sess.User,
	})
}

func (s *Server) handleCreateUserSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.flow.IssueUserToken(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"access_token": tok})
}

type loginURLRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleGoogleLoginURL(w http.ResponseWriter, r *http.Request) {
	var req loginURLRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	url, err := s.flow.BeginProviderLogin(r.Context(), bearerToken(r), req.RedirectURI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if cause := q.Get("error"); cause != "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "error during login: "+cause)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "missing code")
		return
	}
	if state == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "missing state")
		return
	}

	res, err := s.flow.CompleteCallback(r.Context(), code, state)
	if err != nil {
		s.writeError(w, err)
		return
	}

	location := res.RedirectURI
	if location == "" {
		location = "/"
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// bearerToken pulls the opaque access token out of the Authorization
// header. An absent or malformed header yields the empty string, which
// the codec rejects downstream.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
