// Package oidc implements the gateway's client side of the OpenID Connect
// provider: discovery, the authorization-code + PKCE login flow, transparent
// refresh, and RP-initiated logout URLs.
package oidc

import (
	"context"
	"fmt"
	"net/url"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/keyfront/gateway/internal/config"
)

// Provider wraps the discovered IdP endpoints.
type Provider struct {
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth    oauth2.Config

	endSessionEndpoint string
}

// NewProvider runs OIDC discovery against the issuer.
func NewProvider(ctx context.Context, cfg config.OIDCConfig) (*Provider, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery (%s): %w", cfg.IssuerURL, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("oidc discovery claims: %w", err)
	}

	return &Provider{
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{gooidc.ScopeOpenID, "profile", "email"},
		},
		endSessionEndpoint: extra.EndSessionEndpoint,
	}, nil
}

// AuthCodeURL builds the IdP authorization URL with state, nonce, and an
// S256 PKCE challenge.
func (p *Provider) AuthCodeURL(state, nonce, verifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		gooidc.Nonce(nonce),
	)
}

// Exchange redeems the authorization code with the PKCE verifier.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// VerifyIDToken validates signature, issuer, audience, and expiry.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (*gooidc.IDToken, error) {
	return p.verifier.Verify(ctx, rawIDToken)
}

// Refresh redeems a refresh token for a new token set.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// EndSessionURL builds the RP-initiated logout URL, or "" when the IdP does
// not advertise one.
func (p *Provider) EndSessionURL(idTokenHint, postLogoutRedirect string) string {
	if p.endSessionEndpoint == "" {
		return ""
	}
	q := url.Values{}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	if len(q) == 0 {
		return p.endSessionEndpoint
	}
	return p.endSessionEndpoint + "?" + q.Encode()
}
