// Package abac implements the attribute-based access control policy
// decision point: structural policies with targets and conditions over
// subject, resource, action, and environment attributes, combined with
// deny-overrides.
package abac

import "time"

// Effect is the outcome a rule yields when it matches.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Decision is the combined outcome of an evaluation.
type Decision string

const (
	DecisionPermit        Decision = "permit"
	DecisionDeny          Decision = "deny"
	DecisionNotApplicable Decision = "not_applicable"
)

// Operator is the closed set of matcher operators.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpRegex       Operator = "regex"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpIn, OpNotIn,
		OpRegex, OpExists, OpNotExists:
		return true
	}
	return false
}

// Matcher is a single attribute test. Attribute is a dotted path rooted at
// subject, resource, action, or environment.
type Matcher struct {
	Attribute string      `json:"attribute" yaml:"attribute"`
	Operator  Operator    `json:"operator" yaml:"operator"`
	Value     interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Target gates a rule: all listed matchers must pass.
type Target struct {
	Subject     []Matcher `json:"subject,omitempty" yaml:"subject,omitempty"`
	Resource    []Matcher `json:"resource,omitempty" yaml:"resource,omitempty"`
	Action      []Matcher `json:"action,omitempty" yaml:"action,omitempty"`
	Environment []Matcher `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Rule is a single policy rule. Rules are evaluated in declaration order;
// the first fully matching rule decides the policy.
type Rule struct {
	ID         string    `json:"id" yaml:"id"`
	Effect     Effect    `json:"effect" yaml:"effect"`
	Priority   int       `json:"priority" yaml:"priority"`
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	Target     Target    `json:"target" yaml:"target"`
	Conditions []Matcher `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Policy is an ordered set of rules owned by a tenant.
type Policy struct {
	ID        string    `json:"id" yaml:"id"`
	TenantID  string    `json:"tenantId" yaml:"tenantId"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Version   int       `json:"version" yaml:"version"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// MaxPriority is the highest priority among the policy's enabled rules.
// Policies are evaluated in MaxPriority-descending order.
func (p *Policy) MaxPriority() int {
	max := 0
	for _, r := range p.Rules {
		if r.Enabled && r.Priority > max {
			max = r.Priority
		}
	}
	return max
}

// Subject describes the caller.
type Subject struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenantId"`
	Roles      []string               `json:"roles,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Resource describes what is being accessed.
type Resource struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Action describes the operation.
type Action struct {
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Environment carries request-context attributes.
type Environment struct {
	Timestamp  time.Time              `json:"timestamp"`
	IP         string                 `json:"ip,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	RiskScore  float64                `json:"riskScore,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AccessRequest is a full PDP question.
type AccessRequest struct {
	Subject     Subject     `json:"subject"`
	Resource    Resource    `json:"resource"`
	Action      Action      `json:"action"`
	Environment Environment `json:"environment"`
}

// AppliedPolicy records how one policy contributed to the decision.
type AppliedPolicy struct {
	PolicyID string   `json:"policyId"`
	RuleID   string   `json:"ruleId,omitempty"`
	Decision Decision `json:"decision"`
}

// Evaluation is the full PDP answer.
type Evaluation struct {
	Decision        Decision        `json:"decision"`
	AppliedPolicies []AppliedPolicy `json:"appliedPolicies"`
	Notes           []string        `json:"notes,omitempty"`
	Duration        time.Duration   `json:"-"`
	DurationMillis  float64         `json:"durationMs"`
}
