// Package tokenexchange implements an RFC 8693 token exchange service with
// policy-driven scope downscoping and delegation chains. Exchanged tokens
// are locally minted HS256 JWTs; metadata for every minted token is kept in
// the KV store for the token's lifetime.
package tokenexchange

import (
	"fmt"
	"net/http"
	"time"
)

// RFC 8693 grant and token type URNs.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// Wire error codes. Specific denial reasons stay in the audit trail.
const (
	WireInvalidRequest     = "invalid_request"
	WireInvalidScope       = "invalid_scope"
	WireUnauthorizedClient = "unauthorized_client"
)

// WireError is the OAuth error body returned to the caller.
type WireError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	// reason is the precise denial cause, audited but never sent.
	reason string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("token exchange: %s (%s)", e.Code, e.reason)
}

// HTTPStatus maps the wire code to a status per RFC 6749 §5.2.
func (e *WireError) HTTPStatus() int {
	if e.Code == WireUnauthorizedClient {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func wireErr(code, description, reason string) *WireError {
	return &WireError{Code: code, Description: description, reason: reason}
}

// Request is the parsed exchange form.
type Request struct {
	GrantType          string `json:"grant_type"`
	SubjectToken       string `json:"subject_token"`
	SubjectTokenType   string `json:"subject_token_type"`
	ActorToken         string `json:"actor_token,omitempty"`
	ActorTokenType     string `json:"actor_token_type,omitempty"`
	Audience           string `json:"audience,omitempty"`
	Scope              string `json:"scope,omitempty"`
	RequestedTokenType string `json:"requested_token_type,omitempty"`
	ExpiresIn          int    `json:"expires_in,omitempty"`
}

// Response is the RFC 8693 success body.
type Response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope,omitempty"`
}

// DelegationEntry records one hop in a token's delegation chain.
type DelegationEntry struct {
	Actor     string   `json:"actor"`
	Subject   string   `json:"subject"`
	Audience  string   `json:"audience,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// ScopePolicy controls granted scopes.
type ScopePolicy struct {
	AllowedScopes      []string `json:"allowed_scopes,omitempty" yaml:"allowed_scopes,omitempty"`
	RequiredScopes     []string `json:"required_scopes,omitempty" yaml:"required_scopes,omitempty"`
	DenyScopes         []string `json:"deny_scopes,omitempty" yaml:"deny_scopes,omitempty"`
	InheritFromSubject bool     `json:"inherit_from_subject" yaml:"inherit_from_subject"`
	DownscopeOnly      bool     `json:"downscope_only" yaml:"downscope_only"`
}

// TokenLifetime bounds minted-token expiry, in seconds.
type TokenLifetime struct {
	DefaultExpiresIn int `json:"default_expires_in" yaml:"default_expires_in"`
	MaxExpiresIn     int `json:"max_expires_in" yaml:"max_expires_in"`
}

// ExchangeLimits bounds how far a token can be re-exchanged.
type ExchangeLimits struct {
	MaxExchangesPerToken int `json:"max_exchanges_per_token" yaml:"max_exchanges_per_token"`
	MaxDelegationDepth   int `json:"max_delegation_depth" yaml:"max_delegation_depth"`
}

// Conditions gates policy applicability.
type Conditions struct {
	RequireActorToken bool     `json:"require_actor_token" yaml:"require_actor_token"`
	AllowedTokenTypes []string `json:"allowed_token_types,omitempty" yaml:"allowed_token_types,omitempty"`
}

// Policy is one tenant exchange policy. AllowedSubjects entries are exact
// subject values or regex patterns.
type Policy struct {
	ID               string         `json:"id" yaml:"id"`
	TenantID         string         `json:"tenantId" yaml:"tenantId"`
	Name             string         `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled          bool           `json:"enabled" yaml:"enabled"`
	Priority         int            `json:"priority" yaml:"priority"`
	AllowedSubjects  []string       `json:"allowed_subjects" yaml:"allowed_subjects"`
	AllowedTargets   []string       `json:"allowed_targets,omitempty" yaml:"allowed_targets,omitempty"`
	AllowedAudiences []string       `json:"allowed_audiences" yaml:"allowed_audiences"`
	ScopePolicy      ScopePolicy    `json:"scope_policy" yaml:"scope_policy"`
	TokenLifetime    TokenLifetime  `json:"token_lifetime" yaml:"token_lifetime"`
	ExchangeLimits   ExchangeLimits `json:"exchange_limits" yaml:"exchange_limits"`
	Conditions       Conditions     `json:"conditions" yaml:"conditions"`
	CreatedAt        time.Time      `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt        time.Time      `json:"updatedAt,omitempty" yaml:"-"`
}

// TokenRecord is the stored metadata for a minted token.
type TokenRecord struct {
	JTI             string            `json:"jti"`
	Subject         string            `json:"sub"`
	Audience        string            `json:"aud"`
	Scope           []string          `json:"scope"`
	TenantID        string            `json:"tenantId"`
	ExchangeCount   int               `json:"exchange_count"`
	MaxExchanges    int               `json:"max_exchanges"`
	DelegationChain []DelegationEntry `json:"delegation_chain"`
	OriginalTokenID string            `json:"original_token_id"`
	IssuedAt        int64             `json:"iat"`
	ExpiresAt       int64             `json:"exp"`
}
