package abac

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/observability"
)

// Engine is the policy decision point.
type Engine struct {
	store     *PolicyStore
	providers []AttributeProvider
	audit     *audit.Logger
	metrics   *observability.Metrics
	log       *slog.Logger
}

// NewEngine builds a PDP with the built-in attribute providers registered.
func NewEngine(store *PolicyStore, auditLog *audit.Logger, metrics *observability.Metrics, log *slog.Logger) *Engine {
	return &Engine{
		store: store,
		providers: []AttributeProvider{
			TimeOfDayProvider(),
			BusinessHoursProvider(),
			RiskScoreProvider(),
		},
		audit:   auditLog,
		metrics: metrics,
		log:     log,
	}
}

// RegisterProvider adds an attribute provider. Not safe to call after the
// engine starts serving evaluations.
func (e *Engine) RegisterProvider(p AttributeProvider) {
	e.providers = append(e.providers, p)
}

// Evaluate runs the PDP algorithm for one access request: enabled tenant
// policies in max-rule-priority order, first matching rule per policy,
// deny-overrides across policies.
func (e *Engine) Evaluate(ctx context.Context, req AccessRequest) (*Evaluation, error) {
	start := time.Now()
	if req.Environment.Timestamp.IsZero() {
		req.Environment.Timestamp = start
	}

	policies, err := e.store.ListEnabled(ctx, req.Subject.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load policies for %s: %w", req.Subject.TenantID, err)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].MaxPriority() > policies[j].MaxPriority()
	})

	attrs := freeze(ctx, &req, e.providers)

	eval := &Evaluation{Decision: DecisionNotApplicable}
	for _, policy := range policies {
		applied := AppliedPolicy{PolicyID: policy.ID, Decision: DecisionNotApplicable}
		for _, rule := range policy.Rules {
			if !rule.Enabled {
				continue
			}
			if e.ruleMatches(&rule, attrs, eval) {
				applied.RuleID = rule.ID
				if rule.Effect == EffectDeny {
					applied.Decision = DecisionDeny
				} else {
					applied.Decision = DecisionPermit
				}
				break
			}
		}
		eval.AppliedPolicies = append(eval.AppliedPolicies, applied)
	}

	// Deny-overrides: any deny wins, else any permit, else not applicable.
	for _, ap := range eval.AppliedPolicies {
		if ap.Decision == DecisionDeny {
			eval.Decision = DecisionDeny
			break
		}
		if ap.Decision == DecisionPermit {
			eval.Decision = DecisionPermit
		}
	}

	eval.Duration = time.Since(start)
	eval.DurationMillis = float64(eval.Duration.Microseconds()) / 1000

	e.metrics.ABACDecisions.WithLabelValues(string(eval.Decision)).Inc()
	e.metrics.ABACEvalSeconds.Observe(eval.Duration.Seconds())

	result := audit.ResultDeny
	if eval.Decision == DecisionPermit {
		result = audit.ResultAllow
	}
	e.audit.Record(ctx, audit.Event{
		TenantID:     req.Subject.TenantID,
		UserID:       req.Subject.ID,
		Action:       "abac.evaluate",
		ResourceType: req.Resource.Type,
		ResourceID:   req.Resource.ID,
		Result:       result,
		Reason:       string(eval.Decision),
		Metadata: map[string]interface{}{
			"action":          req.Action.Type,
			"appliedPolicies": eval.AppliedPolicies,
			"durationMs":      eval.DurationMillis,
			"notes":           eval.Notes,
		},
	})
	return eval, nil
}

// ruleMatches requires every target matcher and every condition to pass.
func (e *Engine) ruleMatches(rule *Rule, attrs frozen, eval *Evaluation) bool {
	groups := [][]Matcher{
		rule.Target.Subject,
		rule.Target.Resource,
		rule.Target.Action,
		rule.Target.Environment,
		rule.Conditions,
	}
	for _, matchers := range groups {
		for i := range matchers {
			if !e.matcherHolds(&matchers[i], attrs, eval) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) matcherHolds(m *Matcher, attrs frozen, eval *Evaluation) bool {
	value, defined := attrs.resolve(m.Attribute)

	switch m.Operator {
	case OpExists:
		return defined
	case OpNotExists:
		return !defined
	}
	// Every other operator treats undefined as a non-match.
	if !defined {
		return false
	}

	switch m.Operator {
	case OpEquals:
		return valuesEqual(value, m.Value)
	case OpNotEquals:
		return !valuesEqual(value, m.Value)
	case OpContains:
		return containsValue(value, m.Value)
	case OpNotContains:
		return !containsValue(value, m.Value)
	case OpGreaterThan:
		a, aok := asNumber(value)
		b, bok := asNumber(m.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := asNumber(value)
		b, bok := asNumber(m.Value)
		return aok && bok && a < b
	case OpIn:
		return memberOf(m.Value, value)
	case OpNotIn:
		return !memberOf(m.Value, value)
	case OpRegex:
		pattern, ok := m.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			eval.Notes = append(eval.Notes,
				fmt.Sprintf("invalid regex on %s: %v", m.Attribute, err))
			return false
		}
		return re.MatchString(asString(value))
	default:
		eval.Notes = append(eval.Notes,
			fmt.Sprintf("unknown operator %q on %s", m.Operator, m.Attribute))
		return false
	}
}

// valuesEqual compares with numeric normalization: JSON decodes every
// number to float64, while Go-side attributes may be int.
func valuesEqual(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// containsValue handles both string containment and slice membership.
func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, asString(needle))
	case []interface{}:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == asString(needle) {
				return true
			}
		}
	}
	return false
}

// memberOf reports whether value is an element of the matcher's list.
func memberOf(list, value interface{}) bool {
	switch l := list.(type) {
	case []interface{}:
		for _, item := range l {
			if valuesEqual(item, value) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == asString(value) {
				return true
			}
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
