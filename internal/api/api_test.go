package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoffd/handoffd/flow"
	"github.com/handoffd/handoffd/kv"
	"github.com/handoffd/handoffd/session"
	"github.com/handoffd/handoffd/token"
)

type fakeProvider struct {
	iam session.IAm
}

func (p *fakeProvider) Name() string { return "google" }

func (p *fakeProvider) LoginURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (flow.ProviderToken, error) {
	return flow.ProviderToken{AccessToken: "at-" + code, Expiry: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) WhoAmI(_ context.Context, _ flow.ProviderToken) (session.IAm, error) {
	return p.iam, nil
}

func (p *fakeProvider) Revoke(_ context.Context, _ flow.ProviderToken) error { return nil }

type fakeDirectory struct {
	byExternal map[flow.ExternalID]string
	byID       map[string]flow.User
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		byExternal: map[flow.ExternalID]string{},
		byID:       map[string]flow.User{},
	}
}

func (d *fakeDirectory) CreateUser(_ context.Context, ext flow.ExternalID, profile flow.User) (*flow.User, error) {
	if _, exists := d.byExternal[ext]; exists {
		return nil, flow.ErrDuplicateIdentity
	}
	profile.ID = "user-1"
	d.byExternal[ext] = profile.ID
	d.byID[profile.ID] = profile
	return &profile, nil
}

func (d *fakeDirectory) GetUserByExternalID(_ context.Context, ext flow.ExternalID) (*flow.User, error) {
	id, ok := d.byExternal[ext]
	if !ok {
		return nil, nil
	}
	u := d.byID[id]
	return &u, nil
}

func (d *fakeDirectory) GetUserByID(_ context.Context, id string) (*flow.User, error) {
	u, ok := d.byID[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := session.NewStore(kv.NewStore(rdb), session.DefaultConfig(), zerolog.Nop())
	codec, err := token.NewCodec("api-test-pepper")
	require.NoError(t, err)

	provider := &fakeProvider{iam: session.IAm{
		Provider:     "google",
		ResourceName: "people/1234",
		Email:        "ada@example.com",
		GivenName:    "Ada",
		FullName:     "Ada Lovelace",
	}}

	svc, err := flow.NewService(store, codec, provider, newFakeDirectory(), zerolog.Nop())
	require.NoError(t, err)

	return NewServer(svc, zerolog.Nop()).Router("")
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func createLoginToken(t *testing.T, h http.Handler) string {
	t.Helper()
	rec, body := doJSON(t, h, http.MethodPost, "/auth/v0/login/session", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tok, ok := body["access_token"].(string)
	require.True(t, ok, "access_token missing from response")
	return tok
}

// runCallback drives the provider round-trip against the fake: asks for
// the login URL, extracts the state, and hits the callback with it.
func runCallback(t *testing.T, h http.Handler, loginToken string) *httptest.ResponseRecorder {
	t.Helper()

	rec, body := doJSON(t, h, http.MethodPost, "/auth/v0/google/login_url", loginToken,
		`{"redirect_uri":"/welcome"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	loginURL, ok := body["url"].(string)
	require.True(t, ok)
	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	rec, _ = doJSON(t, h, http.MethodGet,
		"/auth/v0/google/callback?code=abc&state="+state, "", "")
	return rec
}

func TestCreateLoginSessionAndWhoAmI(t *testing.T) {
	h := newTestHandler(t)
	tok := createLoginToken(t, h)

	rec, body := doJSON(t, h, http.MethodGet, "/auth/v0/login/session", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["i_am"])
	assert.Nil(t, body["user_id"])
}

func TestWhoAmIRejectsMissingAndGarbageTokens(t *testing.T) {
	h := newTestHandler(t)

	rec, _ := doJSON(t, h, http.MethodGet, "/auth/v0/login/session", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/auth/v0/login/session", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFullRegistrationOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	tok := createLoginToken(t, h)

	rec := runCallback(t, h, tok)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/welcome", rec.Header().Get("Location"))

	// Identity attached but no user yet.
	rec, body := doJSON(t, h, http.MethodGet, "/auth/v0/login/session", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body["i_am"])
	assert.Nil(t, body["user_id"])

	rec, body = doJSON(t, h, http.MethodPost, "/auth/v0/login/session/register", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Registered new user", body["success"])

	rec, body = doJSON(t, h, http.MethodPost, "/auth/v0/me", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	userToken, ok := body["access_token"].(string)
	require.True(t, ok)
	require.NotEqual(t, tok, userToken)

	rec, body = doJSON(t, h, http.MethodGet, "/auth/v0/me", userToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", body["user_id"])
}

func TestCallbackParameterValidation(t *testing.T) {
	h := newTestHandler(t)

	rec, _ := doJSON(t, h, http.MethodGet, "/auth/v0/google/callback?state=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/auth/v0/google/callback?code=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet,
		"/auth/v0/google/callback?error=access_denied&code=x&state=y", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackWithUnknownStateIsUnauthorized(t *testing.T) {
	h := newTestHandler(t)

	rec, _ := doJSON(t, h, http.MethodGet,
		"/auth/v0/google/callback?code=abc&state=000000000000000000000000", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterWithoutProviderLogin(t *testing.T) {
	h := newTestHandler(t)
	tok := createLoginToken(t, h)

	rec, _ := doJSON(t, h, http.MethodPost, "/auth/v0/login/session/register", tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserTokenRejectedOnLoginRoutes(t *testing.T) {
	h := newTestHandler(t)
	tok := createLoginToken(t, h)

	rec := runCallback(t, h, tok)
	require.Equal(t, http.StatusFound, rec.Code)
	rec, _ = doJSON(t, h, http.MethodPost, "/auth/v0/login/session/register", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, body := doJSON(t, h, http.MethodPost, "/auth/v0/me", tok, "")
	userToken := body["access_token"].(string)

	rec, _ = doJSON(t, h, http.MethodGet, "/auth/v0/login/session", userToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/auth/v0/me", tok, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueUserTokenRequiresLinkedUser(t *testing.T) {
	h := newTestHandler(t)
	tok := createLoginToken(t, h)

	rec, _ := doJSON(t, h, http.MethodPost, "/auth/v0/me", tok, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorTaxonomyMapping(t *testing.T) {
	srv := &Server{log: zerolog.Nop()}

	cases := []struct {
		err  error
		want int
	}{
		{token.ErrInvalidToken, http.StatusUnauthorized},
		{flow.ErrWrongTokenKind, http.StatusUnauthorized},
		{session.ErrNotFound, http.StatusUnauthorized},
		{flow.ErrSessionExpired, http.StatusUnauthorized},
		{flow.ErrNoLinkedUser, http.StatusUnauthorized},
		{flow.ErrNotLoggedIn, http.StatusBadRequest},
		{flow.ErrUnsupportedProvider, http.StatusBadRequest},
		{flow.ErrUserGone, http.StatusBadRequest},
		{flow.ErrDuplicateIdentity, http.StatusUnprocessableEntity},
		{kv.ErrUnavailable, http.StatusInternalServerError},
		{session.ErrKeyExhausted, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.writeError(rec, tc.err)
		assert.Equalf(t, tc.want, rec.Code, "error %v", tc.err)
	}
}
