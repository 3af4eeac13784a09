// Package flow orchestrates the login state machine: anonymous login
// session → provider hand-off → identity attach or user link → user
// session issuance.
//
// The package owns no storage of its own. Session state lives in the
// session store, permanent users in the directory, and the provider is an
// external collaborator; flow only sequences them.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/handoffd/handoffd/internal/metrics"
	"github.com/handoffd/handoffd/session"
	"github.com/handoffd/handoffd/token"
)

var (
	// ErrWrongTokenKind reports a Login token where a User token was
	// required, or vice versa.
	ErrWrongTokenKind = errors.New("wrong token kind for this operation")
	// ErrSessionExpired reports a callback whose hand-off or originating
	// session is gone. The caller restarts login; a new session is never
	// fabricated here.
	ErrSessionExpired = errors.New("login session expired, restart login")
	// ErrNotLoggedIn reports a register or issue call on a session that
	// has no provider identity attached yet.
	ErrNotLoggedIn = errors.New("session has not completed a provider login")
	// ErrNoLinkedUser reports a user-token request on a session with no
	// linked permanent user.
	ErrNoLinkedUser = errors.New("login session is not linked to a user")
	// ErrUserGone reports a linked user id that no longer resolves in the
	// directory.
	ErrUserGone = errors.New("linked user no longer exists")
	// ErrUnsupportedProvider reports an identity from a provider this
	// deployment does not register users for.
	ErrUnsupportedProvider = errors.New("unsupported login provider")
)

// ErrDuplicateIdentity must be returned by UserDirectory.CreateUser when
// the external identity is already mapped to a user. The durable store's
// uniqueness constraint arbitrates registration races; flow just
// propagates the outcome.
var ErrDuplicateIdentity = errors.New("external identity already registered")

// User is a permanent user record as the durable directory reports it.
type User struct {
	ID          string
	DisplayName string
	FullName    string
	PhotoURL    string
}

// ExternalID names an identity at a provider.
type ExternalID struct {
	Provider     string
	ResourceName string
}

// UserDirectory is the durable user store collaborator. Lookups return
// (nil, nil) for "no such user"; errors are reserved for store failures.
type UserDirectory interface {
	CreateUser(ctx context.Context, ext ExternalID, profile User) (*User, error)
	GetUserByExternalID(ctx context.Context, ext ExternalID) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// ProviderToken is the credential a provider hands back from the code
// exchange. Consumed opaquely; only WhoAmI and Revoke interpret it.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// IdentityProvider is the OAuth collaborator: builds the redirect URL,
// exchanges the callback code, answers "who am I", and revokes tokens the
// flow cannot use.
type IdentityProvider interface {
	Name() string
	LoginURL(state string) string
	Exchange(ctx context.Context, code string) (ProviderToken, error)
	WhoAmI(ctx context.Context, tok ProviderToken) (session.IAm, error)
	Revoke(ctx context.Context, tok ProviderToken) error
}

// Service sequences the login state machine over its collaborators.
type Service struct {
	sessions *session.Store
	codec    *token.Codec
	provider IdentityProvider
	users    UserDirectory
	log      zerolog.Logger
	metrics  *metrics.Registry
}

// Option adjusts service construction.
type Option func(*Service)

// WithMetrics attaches an event-counter registry. Without it the service
// counts nothing.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// NewService wires the state machine. All collaborators are required.
func NewService(
	sessions *session.Store,
	codec *token.Codec,
	provider IdentityProvider,
	users UserDirectory,
	log zerolog.Logger,
	opts ...Option,
) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("flow: session store is required")
	}
	if codec == nil {
		return nil, errors.New("flow: token codec is required")
	}
	if provider == nil {
		return nil, errors.New("flow: identity provider is required")
	}
	if users == nil {
		return nil, errors.New("flow: user directory is required")
	}
	svc := &Service{
		sessions: sessions,
		codec:    codec,
		provider: provider,
		users:    users,
		log:      log.With().Str("component", "flow").Logger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// StartLoginSession creates a fresh anonymous login session and returns
// its encoded Login token.
func (s *Service) StartLoginSession(ctx context.Context) (string, error) {
	sess, err := s.sessions.CreateLoginSession(ctx)
	if err != nil {
		return "", err
	}
	s.metrics.Inc(metrics.LoginSessionsStarted)
	return s.codec.Encode(token.NewLoginKey(sess.Key))
}

// AuthenticateLogin decodes a client-supplied token, requires the Login
// variant, and resolves the live session. Decode is the trust boundary;
// the session lookup is the liveness check.
func (s *Service) AuthenticateLogin(ctx context.Context, rawToken string) (*session.LoginSession, error) {
	key, err := s.codec.Decode(rawToken)
	if err != nil {
		s.metrics.Inc(metrics.TokensRejected)
		return nil, err
	}
	if key.Kind != token.KindLogin {
		return nil, ErrWrongTokenKind
	}
	return s.sessions.GetLoginSession(ctx, key.Key)
}

// AuthenticateUser is AuthenticateLogin's User-variant counterpart.
func (s *Service) AuthenticateUser(ctx context.Context, rawToken string) (*session.UserSession, error) {
	key, err := s.codec.Decode(rawToken)
	if err != nil {
		s.metrics.Inc(metrics.TokensRejected)
		return nil, err
	}
	if key.Kind != token.KindUser {
		return nil, ErrWrongTokenKind
	}
	return s.sessions.GetUserSession(ctx, key.Key)
}

// BeginProviderLogin creates a hand-off for the authenticated login
// session and returns the provider URL carrying the hand-off code as the
// OAuth state parameter.
func (s *Service) BeginProviderLogin(ctx context.Context, rawLoginToken, redirectURI string) (string, error) {
	sess, err := s.AuthenticateLogin(ctx, rawLoginToken)
	if err != nil {
		return "", err
	}

	handoff, err := s.sessions.CreateHandoff(ctx, sess.Key, redirectURI)
	if err != nil {
		return "", err
	}
	s.metrics.Inc(metrics.HandoffsCreated)
	return s.provider.LoginURL(handoff.Code), nil
}

// CallbackResult reports where the state machine landed after a provider
// callback and where the client asked to be sent afterwards.
type CallbackResult struct {
	// Linked is true when the identity mapped to an existing user and the
	// session was linked; false when the identity was attached for a
	// later explicit registration.
	Linked      bool
	RedirectURI string
}

// CompleteCallback finishes the provider round-trip: exchanges the code,
// learns who the caller is, resolves the hand-off back to the originating
// session, and either links the existing user or attaches the identity.
//
// A callback for a hand-off whose session has meanwhile expired fails
// with ErrSessionExpired; it never creates a new session.
func (s *Service) CompleteCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	provTok, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	iam, err := s.provider.WhoAmI(ctx, provTok)
	if err != nil {
		return nil, err
	}

	handoff, err := s.sessions.TakeHandoff(ctx, state)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.revokeOrphaned(ctx, provTok)
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	sess, err := s.sessions.GetLoginSession(ctx, handoff.SessionKey)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.revokeOrphaned(ctx, provTok)
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	ext := ExternalID{Provider: iam.Provider, ResourceName: iam.ResourceName}
	user, err := s.users.GetUserByExternalID(ctx, ext)
	if err != nil {
		return nil, err
	}

	result := &CallbackResult{RedirectURI: handoff.RedirectURI}
	if user != nil {
		if _, err := s.sessions.LinkUser(ctx, sess.Key, user.ID); err != nil {
			return nil, err
		}
		result.Linked = true
		s.metrics.Inc(metrics.CallbacksLinked)
		s.log.Info().Str("user_id", user.ID).Msg("callback linked existing user")
		return result, nil
	}

	if _, err := s.sessions.AttachIdentity(ctx, sess.Key, iam); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.CallbacksAttached)
	s.log.Info().Str("provider", iam.Provider).Msg("callback attached provider identity")
	return result, nil
}

// revokeOrphaned releases a provider token the flow cannot associate with
// any session. Best effort: the handoff is already gone either way.
func (s *Service) revokeOrphaned(ctx context.Context, tok ProviderToken) {
	if err := s.provider.Revoke(ctx, tok); err != nil {
		s.log.Warn().Err(err).Msg("failed to revoke orphaned provider token")
	}
}

// Register creates a permanent user from the session's attached identity
// and links it. Calling it on an already-linked session is a no-op that
// returns the linked user. A registration race on the same identity is
// arbitrated by the directory's uniqueness constraint and surfaces as
// ErrDuplicateIdentity.
func (s *Service) Register(ctx context.Context, rawLoginToken string) (*User, error) {
	sess, err := s.AuthenticateLogin(ctx, rawLoginToken)
	if err != nil {
		return nil, err
	}

	if sess.UserID != "" {
		user, err := s.users.GetUserByID(ctx, sess.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, ErrUserGone
		}
		return user, nil
	}

	if sess.IAm == nil {
		return nil, ErrNotLoggedIn
	}
	if sess.IAm.Provider != s.provider.Name() {
		return nil, ErrUnsupportedProvider
	}

	displayName := sess.IAm.GivenName
	if displayName == "" {
		displayName = sess.IAm.FullName
	}
	if displayName == "" {
		displayName = "New User"
	}

	user, err := s.users.CreateUser(ctx,
		ExternalID{Provider: sess.IAm.Provider, ResourceName: sess.IAm.ResourceName},
		User{
			DisplayName: displayName,
			FullName:    sess.IAm.FullName,
			PhotoURL:    sess.IAm.PhotoURL,
		},
	)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.LinkUser(ctx, sess.Key, user.ID); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.UsersRegistered)
	s.log.Info().Str("user_id", user.ID).Msg("registered new user")
	return user, nil
}

// IssueUserToken snapshots the linked user into a fresh user session and
// returns its encoded User token. The snapshot captures the profile at
// link time; later profile edits do not flow into issued sessions.
func (s *Service) IssueUserToken(ctx context.Context, rawLoginToken string) (string, error) {
	sess, err := s.AuthenticateLogin(ctx, rawLoginToken)
	if err != nil {
		return "", err
	}
	if sess.UserID == "" {
		return "", ErrNoLinkedUser
	}

	user, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserGone
	}

	userSess, err := s.sessions.CreateUserSession(ctx, session.UserSnapshot{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		FullName:    user.FullName,
		PhotoURL:    user.PhotoURL,
	})
	if err != nil {
		return "", err
	}
	s.metrics.Inc(metrics.UserTokensIssued)
	return s.codec.Encode(token.NewUserKey(userSess.Key))
}
