package logout

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionsRevokedEvent is the event URI carried by logout tokens.
const SessionsRevokedEvent = "http://schemas.openid.net/secevent/risc/event-type/sessions-revoked"

// maxTokenLifetime caps logout-token validity per OIDC Back-Channel Logout.
const maxTokenLifetime = 5 * time.Minute

// TokenClaims is the claim set of a back-channel logout token.
type TokenClaims struct {
	jwt.RegisteredClaims

	Events    map[string]map[string]interface{} `json:"events"`
	SessionID string                            `json:"sid,omitempty"`
}

// TokenSigner mints and validates logout tokens with the gateway's local
// HS256 secret.
type TokenSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenSigner(secret, issuer string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Mint builds a short-lived logout token for one client. At least one of
// sub and sid must be set.
func (s *TokenSigner) Mint(audience, sub, sid string, lifetime time.Duration) (string, error) {
	if sub == "" && sid == "" {
		return "", errors.New("logout token requires sub or sid")
	}
	if lifetime <= 0 || lifetime > maxTokenLifetime {
		lifetime = maxTokenLifetime
	}
	now := s.now()

	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
		Events:    map[string]map[string]interface{}{SessionsRevokedEvent: {}},
		SessionID: sid,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign logout token: %w", err)
	}
	return signed, nil
}

// Verify validates an incoming logout token (IdP-initiated back-channel
// logout) and enforces the events claim and sub-or-sid requirement.
func (s *TokenSigner) Verify(raw string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}
	if _, ok := claims.Events[SessionsRevokedEvent]; !ok {
		return nil, errors.New("logout token missing sessions-revoked event")
	}
	if claims.Subject == "" && claims.SessionID == "" {
		return nil, errors.New("logout token carries neither sub nor sid")
	}
	return claims, nil
}
