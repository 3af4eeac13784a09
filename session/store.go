// Package session stores login sessions, user sessions, and OAuth state
// hand-offs in the shared ephemeral key-value store.
//
// All shared mutable state lives in the store; the package holds no
// in-process state between calls. Uniqueness among live records is
// enforced atomically at creation by set-if-absent, and expiry by TTL;
// most records are never explicitly deleted.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/handoffd/handoffd/kv"
)

// ErrNotFound reports that a record has expired or never existed. It is a
// normal outcome (callers branch to re-authentication, not to a retry)
// and is deliberately distinct from kv.ErrUnavailable.
var ErrNotFound = errors.New("session record not found")

// ErrKeyExhausted reports that the bounded collision-retry loop ran out
// of attempts. With 128-bit keys this indicates an operational problem
// (broken random source, poisoned keyspace), not bad luck.
var ErrKeyExhausted = errors.New("key generation attempts exhausted")

const (
	loginKeyBytes   = 16
	userKeyBytes    = 16
	handoffKeyBytes = 12
)

// TTLConfig names every expiry policy the store applies. Values are
// injected at construction so tests can shrink them.
type TTLConfig struct {
	// NewLoginSession covers sessions with no identity attached yet.
	NewLoginSession time.Duration
	// LoginSessionWithIdentity covers sessions carrying a provider
	// identity but no linked user.
	LoginSessionWithIdentity time.Duration
	// LoginSessionWithUser covers sessions linked to a permanent user.
	LoginSessionWithUser time.Duration
	// UserSession covers issued user-session snapshots.
	UserSession time.Duration
	// Handoff covers the window between redirecting to the provider and
	// receiving the callback.
	Handoff time.Duration
}

// DefaultTTLConfig mirrors the production policy: short hand-offs,
// medium anonymous sessions, long identified ones.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		NewLoginSession:          120 * time.Minute,
		LoginSessionWithIdentity: 5 * 24 * time.Hour,
		LoginSessionWithUser:     365 * 24 * time.Hour,
		UserSession:              365 * 24 * time.Hour,
		Handoff:                  10 * time.Minute,
	}
}

// Config assembles store policy.
type Config struct {
	TTL TTLConfig
	// KeyAttempts bounds the generate → set-if-absent retry loop.
	KeyAttempts int
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTLConfig(), KeyAttempts: 5}
}

// Store provides the session-record operations over the kv adapter.
type Store struct {
	kv      *kv.Store
	cfg     Config
	log     zerolog.Logger
	randHex func(int) (string, error)
}

// StoreOption adjusts store construction.
type StoreOption func(*Store)

// WithRandHex replaces the random-key source. Tests use this to force
// collisions; production code never should.
func WithRandHex(f func(int) (string, error)) StoreOption {
	return func(s *Store) { s.randHex = f }
}

// NewStore builds a session store over the given kv adapter.
func NewStore(kvStore *kv.Store, cfg Config, log zerolog.Logger, opts ...StoreOption) *Store {
	if cfg.KeyAttempts <= 0 {
		cfg.KeyAttempts = 5
	}
	s := &Store{
		kv:      kvStore,
		cfg:     cfg,
		log:     log.With().Str("component", "session").Logger(),
		randHex: kv.RandHex,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loginSessionTTL picks the TTL tier from record state: linked user >
// attached identity > fresh.
func (s *Store) loginSessionTTL(sess *LoginSession) time.Duration {
	switch {
	case sess.UserID != "":
		return s.cfg.TTL.LoginSessionWithUser
	case sess.IAm != nil:
		return s.cfg.TTL.LoginSessionWithIdentity
	default:
		return s.cfg.TTL.NewLoginSession
	}
}

// CreateLoginSession persists a fresh empty login session under a newly
// generated key and returns it.
func (s *Store) CreateLoginSession(ctx context.Context) (*LoginSession, error) {
	var lastKey string
	for attempt := 0; attempt < s.cfg.KeyAttempts; attempt++ {
		key, err := s.randHex(loginKeyBytes)
		if err != nil {
			return nil, err
		}
		lastKey = key

		sess := &LoginSession{Key: key}
		won, err := s.kv.SetJSONIfAbsent(ctx, loginSessionPrefix, key, sess, s.cfg.TTL.NewLoginSession)
		if err != nil {
			return nil, err
		}
		if won {
			return sess, nil
		}
		s.log.Warn().Str("key", key).Msg("login session key collision, regenerating")
	}

	s.log.Error().Str("last_key", lastKey).Msg("ran out of attempts creating login session")
	return nil, fmt.Errorf("%w: login session, last tried %q", ErrKeyExhausted, lastKey)
}

// GetLoginSession loads a login session by key; ErrNotFound when expired
// or never created.
func (s *Store) GetLoginSession(ctx context.Context, key string) (*LoginSession, error) {
	var sess LoginSession
	found, err := s.kv.GetJSON(ctx, loginSessionPrefix, key, &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: login session", ErrNotFound)
	}
	return &sess, nil
}

// AttachIdentity overwrites the session's provider-identity field and
// re-saves it. Idempotent: attaching the same identity twice leaves the
// same state.
func (s *Store) AttachIdentity(ctx context.Context, key string, iam IAm) (*LoginSession, error) {
	sess, err := s.GetLoginSession(ctx, key)
	if err != nil {
		return nil, err
	}

	sess.IAm = &iam
	if err := s.saveLoginSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LinkUser overwrites the session's linked user id and re-saves it.
// Idempotent, last write wins; concurrent racers writing the same id
// converge on identical state.
func (s *Store) LinkUser(ctx context.Context, key, userID string) (*LoginSession, error) {
	sess, err := s.GetLoginSession(ctx, key)
	if err != nil {
		return nil, err
	}

	sess.UserID = userID
	if err := s.saveLoginSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) saveLoginSession(ctx context.Context, sess *LoginSession) error {
	return s.kv.SetJSON(ctx, loginSessionPrefix, sess.Key, sess, s.loginSessionTTL(sess))
}

// DeleteLoginSession drops a login session. Expiry is the normal end of
// life; explicit logout wants this.
func (s *Store) DeleteLoginSession(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, loginSessionPrefix, key)
}

// CreateHandoff mints a short-lived hand-off code pointing at an existing
// login session. The session must still be live; the save also refreshes
// the session's own TTL so it survives the provider round-trip.
func (s *Store) CreateHandoff(ctx context.Context, sessionKey, redirectURI string) (*StateHandoff, error) {
	sess, err := s.GetLoginSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	var lastCode string
	for attempt := 0; attempt < s.cfg.KeyAttempts; attempt++ {
		code, err := s.randHex(handoffKeyBytes)
		if err != nil {
			return nil, err
		}
		lastCode = code

		handoff := &StateHandoff{Code: code, SessionKey: sessionKey, RedirectURI: redirectURI}
		won, err := s.kv.SetJSONIfAbsent(ctx, handoffPrefix, code, handoff, s.cfg.TTL.Handoff)
		if err != nil {
			return nil, err
		}
		if won {
			if err := s.saveLoginSession(ctx, sess); err != nil {
				return nil, err
			}
			return handoff, nil
		}
		s.log.Warn().Str("code", code).Msg("handoff code collision, regenerating")
	}

	s.log.Error().Str("last_code", lastCode).Msg("ran out of attempts creating handoff")
	return nil, fmt.Errorf("%w: handoff, last tried %q", ErrKeyExhausted, lastCode)
}

// TakeHandoff resolves a hand-off code and deletes it, hard-enforcing
// single use. A second take of the same code returns ErrNotFound.
func (s *Store) TakeHandoff(ctx context.Context, code string) (*StateHandoff, error) {
	var handoff StateHandoff
	found, err := s.kv.GetJSON(ctx, handoffPrefix, code, &handoff)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: handoff", ErrNotFound)
	}

	if err := s.kv.Delete(ctx, handoffPrefix, code); err != nil {
		return nil, err
	}
	return &handoff, nil
}

// CreateUserSession persists an immutable user snapshot under a fresh key
// with the long user-session TTL.
func (s *Store) CreateUserSession(ctx context.Context, user UserSnapshot) (*UserSession, error) {
	var lastKey string
	for attempt := 0; attempt < s.cfg.KeyAttempts; attempt++ {
		key, err := s.randHex(userKeyBytes)
		if err != nil {
			return nil, err
		}
		lastKey = key

		sess := &UserSession{Key: key, User: user}
		won, err := s.kv.SetJSONIfAbsent(ctx, userSessionPrefix, key, sess, s.cfg.TTL.UserSession)
		if err != nil {
			return nil, err
		}
		if won {
			return sess, nil
		}
		s.log.Warn().Str("key", key).Msg("user session key collision, regenerating")
	}

	s.log.Error().Str("last_key", lastKey).Msg("ran out of attempts creating user session")
	return nil, fmt.Errorf("%w: user session, last tried %q", ErrKeyExhausted, lastKey)
}

// GetUserSession loads a user session by key; ErrNotFound when expired or
// never created.
func (s *Store) GetUserSession(ctx context.Context, key string) (*UserSession, error) {
	var sess UserSession
	found, err := s.kv.GetJSON(ctx, userSessionPrefix, key, &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: user session", ErrNotFound)
	}
	return &sess, nil
}

// DeleteUserSession drops a user session (logout).
func (s *Store) DeleteUserSession(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, userSessionPrefix, key)
}
