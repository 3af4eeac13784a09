// Package google implements the identity-provider collaborator against
// Google's OAuth2 + OpenID Connect endpoints.
package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/handoffd/handoffd/flow"
	"github.com/handoffd/handoffd/session"
)

const (
	issuer    = "https://accounts.google.com"
	revokeURL = "https://oauth2.googleapis.com/revoke"

	providerName = "google"
)

// CallbackPath is where Google sends the user back; the redirect URI is
// the deployment's public URL plus this path.
const CallbackPath = "/auth/v0/google/callback"

// Config carries the OAuth client credentials and the public base URL
// used to build the redirect URI.
type Config struct {
	ClientID     string
	ClientSecret string
	PublicURL    string
}

// Provider talks to Google. It satisfies flow.IdentityProvider.
type Provider struct {
	oauth  *oauth2.Config
	oidc   *oidc.Provider
	client *http.Client
	log    zerolog.Logger
}

// New performs OIDC discovery against Google and builds the provider.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google provider requires client id and secret")
	}

	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("google oidc discovery: %w", err)
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oidcProvider.Endpoint(),
			RedirectURL:  strings.TrimSuffix(cfg.PublicURL, "/") + CallbackPath,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		oidc:   oidcProvider,
		client: http.DefaultClient,
		log:    log.With().Str("component", "google").Logger(),
	}, nil
}

func (p *Provider) Name() string { return providerName }

// LoginURL builds the consent-screen URL carrying the hand-off code as
// the OAuth state parameter.
func (p *Provider) LoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades the callback authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (flow.ProviderToken, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return flow.ProviderToken{}, fmt.Errorf("google code exchange: %w", err)
	}
	return flow.ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// WhoAmI asks the userinfo endpoint who the token belongs to and maps
// the answer into the provider-independent identity shape.
func (p *Provider) WhoAmI(ctx context.Context, tok flow.ProviderToken) (session.IAm, error) {
	info, err := p.oidc.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
	}))
	if err != nil {
		return session.IAm{}, fmt.Errorf("google userinfo: %w", err)
	}

	var claims struct {
		Name      string `json:"name"`
		GivenName string `json:"given_name"`
		Picture   string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return session.IAm{}, fmt.Errorf("google userinfo claims: %w", err)
	}

	return session.IAm{
		Provider:     providerName,
		ResourceName: info.Subject,
		Email:        info.Email,
		GivenName:    claims.GivenName,
		FullName:     claims.Name,
		PhotoURL:     claims.Picture,
	}, nil
}

// Revoke invalidates a token the flow could not attach to any session.
func (p *Provider) Revoke(ctx context.Context, tok flow.ProviderToken) error {
	form := url.Values{"token": {tok.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("google revoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google revoke: unexpected status %d", resp.StatusCode)
	}
	return nil
}
