package abac

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

func newTestEngine(t *testing.T) (*Engine, *PolicyStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	auditLog := audit.NewLogger(store, metrics, slog.Default())
	t.Cleanup(auditLog.Close)

	policies := NewPolicyStore(store)
	return NewEngine(policies, auditLog, metrics, slog.Default()), policies
}

func permitReadForUsers(id string, priority int) *Policy {
	return &Policy{
		ID:       id,
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:       id + "-r1",
			Effect:   EffectPermit,
			Priority: priority,
			Enabled:  true,
			Target: Target{
				Subject: []Matcher{{Attribute: "subject.roles", Operator: OpContains, Value: "USER"}},
				Action:  []Matcher{{Attribute: "action.type", Operator: OpEquals, Value: "read"}},
			},
		}},
	}
}

func readRequest() AccessRequest {
	return AccessRequest{
		Subject:  Subject{ID: "user123", TenantID: "t1", Roles: []string{"USER"}},
		Resource: Resource{Type: "document", ID: "doc-1"},
		Action:   Action{Type: "read"},
	}
}

func TestEngine_PermitWhenRuleMatches(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, policies.Save(ctx, permitReadForUsers("p1", 10)))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionPermit, eval.Decision)
	require.Len(t, eval.AppliedPolicies, 1)
	assert.Equal(t, "p1-r1", eval.AppliedPolicies[0].RuleID)
}

func TestEngine_DenyOverrides(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, permitReadForUsers("p1", 10)))
	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p2",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:       "p2-r1",
			Effect:   EffectDeny,
			Priority: 5,
			Enabled:  true,
			Target: Target{
				Resource: []Matcher{{Attribute: "resource.classification", Operator: OpEquals, Value: "secret"}},
			},
		}},
	}))

	req := readRequest()
	req.Resource.Attributes = map[string]interface{}{"classification": "secret"}

	eval, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, eval.Decision)
	assert.Len(t, eval.AppliedPolicies, 2, "both policies contribute")
}

func TestEngine_NotApplicableWithoutMatch(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, policies.Save(ctx, permitReadForUsers("p1", 10)))

	req := readRequest()
	req.Action.Type = "delete"

	eval, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
}

func TestEngine_FirstMatchingRuleWinsWithinPolicy(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p1",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{
			{
				ID:      "deny-first",
				Effect:  EffectDeny,
				Enabled: true,
				Target: Target{
					Action: []Matcher{{Attribute: "action.type", Operator: OpEquals, Value: "read"}},
				},
			},
			{
				ID:      "permit-later",
				Effect:  EffectPermit,
				Enabled: true,
				Target: Target{
					Action: []Matcher{{Attribute: "action.type", Operator: OpEquals, Value: "read"}},
				},
			},
		},
	}))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, eval.Decision)
	assert.Equal(t, "deny-first", eval.AppliedPolicies[0].RuleID)
}

func TestEngine_DisabledPolicyAndRuleIgnored(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	disabled := permitReadForUsers("p1", 10)
	disabled.Enabled = false
	require.NoError(t, policies.Save(ctx, disabled))

	ruleOff := permitReadForUsers("p2", 10)
	ruleOff.Rules[0].Enabled = false
	require.NoError(t, policies.Save(ctx, ruleOff))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
}

func TestEngine_UndefinedAttributeSemantics(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p1",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:      "r1",
			Effect:  EffectPermit,
			Enabled: true,
			Conditions: []Matcher{
				{Attribute: "subject.attributes.department", Operator: OpNotExists},
				{Attribute: "resource.owner", Operator: OpNotExists},
			},
		}},
	}))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionPermit, eval.Decision, "not_exists matches undefined")

	// Any other operator on an undefined path is false, never an error.
	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p2",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:      "r1",
			Effect:  EffectDeny,
			Enabled: true,
			Conditions: []Matcher{
				{Attribute: "subject.missing", Operator: OpEquals, Value: "x"},
			},
		}},
	}))
	eval, err = engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionPermit, eval.Decision, "deny rule on undefined attribute does not fire")
}

func TestEngine_InvalidRegexIsNotedAndFalse(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p1",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:      "r1",
			Effect:  EffectPermit,
			Enabled: true,
			Conditions: []Matcher{
				{Attribute: "subject.id", Operator: OpRegex, Value: "[unclosed"},
			},
		}},
	}))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
	require.NotEmpty(t, eval.Notes)
	assert.Contains(t, eval.Notes[0], "invalid regex")
}

func TestEngine_NumericAndMembershipOperators(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p1",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:      "r1",
			Effect:  EffectDeny,
			Enabled: true,
			Conditions: []Matcher{
				{Attribute: "environment.riskScore", Operator: OpGreaterThan, Value: 0.7},
				{Attribute: "action.type", Operator: OpIn, Value: []interface{}{"read", "export"}},
			},
		}},
	}))

	req := readRequest()
	req.Environment.RiskScore = 0.9
	eval, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, eval.Decision)

	req.Environment.RiskScore = 0.1
	eval, err = engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
}

func TestEngine_ProviderAttributes(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, policies.Save(ctx, &Policy{
		ID:       "p1",
		TenantID: "t1",
		Enabled:  true,
		Rules: []Rule{{
			ID:      "r1",
			Effect:  EffectPermit,
			Enabled: true,
			Conditions: []Matcher{
				{Attribute: "environment.businessHours", Operator: OpEquals, Value: true},
			},
		}},
	}))

	req := readRequest()
	// Tuesday 10:00.
	req.Environment.Timestamp = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	eval, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionPermit, eval.Decision)

	// Saturday.
	req.Environment.Timestamp = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	eval, err = engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
}

func TestEngine_TenantIsolation(t *testing.T) {
	engine, policies := newTestEngine(t)
	ctx := context.Background()

	other := permitReadForUsers("p1", 10)
	other.TenantID = "t2"
	require.NoError(t, policies.Save(ctx, other))

	eval, err := engine.Evaluate(ctx, readRequest())
	require.NoError(t, err)
	assert.Equal(t, DecisionNotApplicable, eval.Decision)
	assert.Empty(t, eval.AppliedPolicies)
}
