package tokenexchange

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/observability"
)

const defaultExpiresIn = 3600 // seconds, when the policy sets none

// Service performs policy-checked RFC 8693 exchanges.
type Service struct {
	policies *PolicyStore
	tokens   *TokenStore
	minter   *Minter
	audit    *audit.Logger
	metrics  *observability.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewService(policies *PolicyStore, tokens *TokenStore, minter *Minter, auditLog *audit.Logger, metrics *observability.Metrics, log *slog.Logger) *Service {
	return &Service{
		policies: policies,
		tokens:   tokens,
		minter:   minter,
		audit:    auditLog,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Exchange validates the subject (and actor) token, finds the applicable
// tenant policy, computes granted scopes and lifetime, and mints the new
// token. Every outcome, success or denial, is audited; denials surface only
// a generic wire error.
func (s *Service) Exchange(ctx context.Context, tenantID string, req Request) (*Response, error) {
	resp, werr := s.exchange(ctx, tenantID, req)

	result := audit.ResultAllow
	reason := ""
	metaScope := ""
	if werr != nil {
		result = audit.ResultDeny
		reason = werr.reason
	} else {
		metaScope = resp.Scope
	}
	s.audit.Record(ctx, audit.Event{
		TenantID:     tenantID,
		Action:       "token.exchange",
		ResourceType: "token",
		Result:       result,
		Reason:       reason,
		Metadata: map[string]interface{}{
			"audience": req.Audience,
			"scope":    metaScope,
		},
	})
	label := "success"
	if werr != nil {
		label = werr.Code
	}
	s.metrics.TokenExchanges.WithLabelValues(label).Inc()

	if werr != nil {
		return nil, werr
	}
	return resp, nil
}

func (s *Service) exchange(ctx context.Context, tenantID string, req Request) (*Response, *WireError) {
	if req.GrantType != GrantTypeTokenExchange {
		return nil, wireErr(WireInvalidRequest, "unsupported grant_type", "grant_type is not token-exchange")
	}
	if req.SubjectToken == "" || req.SubjectTokenType == "" {
		return nil, wireErr(WireInvalidRequest, "subject_token and subject_token_type are required", "missing subject token")
	}
	if req.Audience == "" {
		return nil, wireErr(WireInvalidRequest, "audience is required", "missing audience")
	}

	subject, err := s.minter.Verify(req.SubjectToken)
	if err != nil {
		return nil, wireErr(WireInvalidRequest, "subject token validation failed",
			fmt.Sprintf("subject token invalid: %v", err))
	}

	var actor *Claims
	if req.ActorToken != "" {
		actor, err = s.minter.Verify(req.ActorToken)
		if err != nil {
			return nil, wireErr(WireInvalidRequest, "actor token validation failed",
				fmt.Sprintf("actor token invalid: %v", err))
		}
	}

	policy, werr := s.findPolicy(ctx, tenantID, subject, req, actor != nil)
	if werr != nil {
		return nil, werr
	}

	if limit := policy.ExchangeLimits.MaxExchangesPerToken; limit > 0 && subject.ExchangeCount >= limit {
		return nil, wireErr(WireInvalidRequest, "exchange not permitted",
			fmt.Sprintf("exchange_count %d reached max_exchanges_per_token %d", subject.ExchangeCount, limit))
	}
	if depth := policy.ExchangeLimits.MaxDelegationDepth; depth > 0 && len(subject.DelegationChain) >= depth {
		return nil, wireErr(WireInvalidRequest, "exchange not permitted",
			fmt.Sprintf("delegation chain length %d reached max_delegation_depth %d", len(subject.DelegationChain), depth))
	}

	subjectScopes := splitScope(subject.Scope)
	granted, werr := grantScopes(policy, subjectScopes, splitScope(req.Scope))
	if werr != nil {
		return nil, werr
	}

	expiresIn := policy.TokenLifetime.DefaultExpiresIn
	if req.ExpiresIn > 0 {
		expiresIn = req.ExpiresIn
	}
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	if max := policy.TokenLifetime.MaxExpiresIn; max > 0 && expiresIn > max {
		expiresIn = max
	}

	actorSub := subject.Subject
	var actClaim *ActorClaim
	if actor != nil {
		actorSub = actor.Subject
		actClaim = &ActorClaim{Subject: actor.Subject}
	}

	originalID := subject.OriginalTokenID
	if originalID == "" {
		originalID = subject.ID
	}
	if originalID == "" {
		originalID = uuid.NewString()
	}

	chain := append(append([]DelegationEntry(nil), subject.DelegationChain...), DelegationEntry{
		Actor:     actorSub,
		Subject:   subject.Subject,
		Audience:  req.Audience,
		Scope:     granted,
		Timestamp: s.now().UnixMilli(),
	})

	claims := &Claims{
		Scope:           strings.Join(granted, " "),
		TenantID:        tenantID,
		ExchangeCount:   subject.ExchangeCount + 1,
		MaxExchanges:    policy.ExchangeLimits.MaxExchangesPerToken,
		DelegationChain: chain,
		OriginalTokenID: originalID,
		Actor:           actClaim,
	}
	claims.Subject = subject.Subject
	claims.Audience = []string{req.Audience}

	signed, minted, err := s.minter.Mint(claims, time.Duration(expiresIn)*time.Second)
	if err != nil {
		return nil, wireErr(WireInvalidRequest, "token issuance failed", fmt.Sprintf("mint: %v", err))
	}

	rec := &TokenRecord{
		JTI:             minted.ID,
		Subject:         minted.Subject,
		Audience:        req.Audience,
		Scope:           granted,
		TenantID:        tenantID,
		ExchangeCount:   minted.ExchangeCount,
		MaxExchanges:    minted.MaxExchanges,
		DelegationChain: chain,
		OriginalTokenID: originalID,
		IssuedAt:        minted.IssuedAt.UnixMilli(),
		ExpiresAt:       minted.ExpiresAt.UnixMilli(),
	}
	if err := s.tokens.Put(ctx, rec, time.Duration(expiresIn)*time.Second); err != nil {
		// The token is already signed; record loss is logged, not fatal.
		s.log.Error("token exchange metadata store failed", "jti", minted.ID, "error", err)
	}

	issuedType := req.RequestedTokenType
	if issuedType == "" {
		issuedType = TokenTypeAccessToken
	}
	return &Response{
		AccessToken:     signed,
		IssuedTokenType: issuedType,
		TokenType:       "Bearer",
		ExpiresIn:       expiresIn,
		Scope:           strings.Join(granted, " "),
	}, nil
}

// findPolicy returns the highest-priority enabled policy whose subject,
// audience, token type, and actor requirements all match.
func (s *Service) findPolicy(ctx context.Context, tenantID string, subject *Claims, req Request, hasActor bool) (*Policy, *WireError) {
	policies, err := s.policies.List(ctx, tenantID)
	if err != nil {
		return nil, wireErr(WireInvalidRequest, "policy lookup failed", fmt.Sprintf("policy store: %v", err))
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})

	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !subjectAllowed(p.AllowedSubjects, subject.Subject) {
			continue
		}
		if !contains(p.AllowedAudiences, req.Audience) {
			continue
		}
		if len(p.Conditions.AllowedTokenTypes) > 0 && !contains(p.Conditions.AllowedTokenTypes, req.SubjectTokenType) {
			continue
		}
		if p.Conditions.RequireActorToken && !hasActor {
			continue
		}
		return p, nil
	}
	return nil, wireErr(WireUnauthorizedClient, "exchange not permitted",
		fmt.Sprintf("no policy matches subject %q audience %q", subject.Subject, req.Audience))
}

// grantScopes applies the policy scope rules. Explicitly requested scopes
// that the policy cannot grant are a hard invalid_scope; inherited scopes
// are silently filtered.
func grantScopes(policy *Policy, subjectScopes, requested []string) ([]string, *WireError) {
	sp := policy.ScopePolicy

	explicit := len(requested) > 0
	if !explicit && sp.InheritFromSubject {
		requested = subjectScopes
	}

	var granted []string
	for _, scope := range requested {
		switch {
		case len(sp.AllowedScopes) > 0 && !contains(sp.AllowedScopes, scope):
			if explicit {
				return nil, wireErr(WireInvalidScope, "requested scope not permitted",
					fmt.Sprintf("scope %q outside allowed_scopes", scope))
			}
		case contains(sp.DenyScopes, scope):
			if explicit {
				return nil, wireErr(WireInvalidScope, "requested scope not permitted",
					fmt.Sprintf("scope %q in deny_scopes", scope))
			}
		case sp.DownscopeOnly && !contains(subjectScopes, scope):
			return nil, wireErr(WireInvalidScope, "requested scope not permitted",
				fmt.Sprintf("scope %q not held by subject token (downscope_only)", scope))
		default:
			granted = append(granted, scope)
		}
	}

	for _, required := range sp.RequiredScopes {
		if !contains(granted, required) {
			return nil, wireErr(WireInvalidScope, "required scope missing",
				fmt.Sprintf("required scope %q not granted", required))
		}
	}
	return granted, nil
}

func subjectAllowed(patterns []string, sub string) bool {
	for _, pattern := range patterns {
		if pattern == sub || pattern == "*" {
			return true
		}
		re, err := regexp.Compile("^" + pattern + "$")
		if err == nil && re.MatchString(sub) {
			return true
		}
	}
	return false
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
