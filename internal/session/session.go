// Package session owns the server-side session records behind the opaque
// session cookie.
//
// The browser holds only the sid; IdP tokens live in a separate blob
// addressed by opaque refs that never appear in any response.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Session is the record persisted at sess:{sid}.
type Session struct {
	SID         string   `json:"sid"`
	Sub         string   `json:"sub"`
	TenantID    string   `json:"tenantId"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	ClientID    string   `json:"clientId,omitempty"`

	AccessTokenRef  string `json:"accessTokenRef"`
	RefreshTokenRef string `json:"refreshTokenRef,omitempty"`

	// Milliseconds since epoch.
	ExpiresAt    int64 `json:"expiresAt"`
	CreatedAt    int64 `json:"createdAt"`
	LastActivity int64 `json:"lastActivity"`
}

// Expired reports whether the session is past its expiry; expiresAt == now
// counts as expired.
func (s *Session) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAt
}

// HasRole reports membership in roles.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Profile is the client-safe view returned by /api/me. Token refs are
// deliberately absent.
type Profile struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	ExpiresAt   int64    `json:"expiresAt"`
}

// Profile derives the safe view.
func (s *Session) Profile() Profile {
	return Profile{
		ID:          s.Sub,
		TenantID:    s.TenantID,
		Email:       s.Email,
		Name:        s.Name,
		Roles:       s.Roles,
		Permissions: s.Permissions,
		ExpiresAt:   s.ExpiresAt,
	}
}

// TokenBlob holds the IdP tokens server-side.
type TokenBlob struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	// Access token expiry, ms since epoch.
	ExpiresAt int64 `json:"expiresAt"`
}

// newSID returns an opaque URL-safe session id with 256 bits of entropy.
func newSID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// newRef returns an opaque token-blob reference.
func newRef() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
