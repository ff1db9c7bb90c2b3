package tokenexchange

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the claim set of locally minted exchange tokens.
type Claims struct {
	jwt.RegisteredClaims

	Scope           string            `json:"scope,omitempty"`
	TenantID        string            `json:"tenantId,omitempty"`
	ExchangeCount   int               `json:"exchange_count"`
	MaxExchanges    int               `json:"max_exchanges,omitempty"`
	DelegationChain []DelegationEntry `json:"delegation_chain,omitempty"`
	OriginalTokenID string            `json:"original_token_id,omitempty"`
	Actor           *ActorClaim       `json:"act,omitempty"`
}

// ActorClaim is the RFC 8693 "act" claim.
type ActorClaim struct {
	Subject string `json:"sub"`
}

// Minter signs and verifies the gateway's own HS256 tokens.
type Minter struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewMinter(secret, issuer string) *Minter {
	return &Minter{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Mint signs claims with a fresh jti and the configured issuer.
func (m *Minter) Mint(claims *Claims, expiresIn time.Duration) (string, *Claims, error) {
	now := m.now()
	claims.ID = uuid.NewString()
	claims.Issuer = m.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token this gateway minted.
func (m *Minter) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
