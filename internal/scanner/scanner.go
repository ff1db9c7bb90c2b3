// Package scanner detects injection payloads in request bodies with a fixed
// catalog of regex families.
//
// Every string leaf of a decoded payload is scanned. Inputs longer than
// MaxStringLength are truncated before scanning so regex work stays bounded.
package scanner

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// ThreatType classifies a detection.
type ThreatType string

const (
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatXSS              ThreatType = "xss"
	ThreatPathTraversal    ThreatType = "path_traversal"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatNoSQLInjection   ThreatType = "nosql_injection"
	ThreatLDAPInjection    ThreatType = "ldap_injection"
)

// Severity orders threats for the blocking policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity blocks in production.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Threat is one pattern match.
type Threat struct {
	Type       ThreatType `json:"type"`
	Severity   Severity   `json:"severity"`
	Pattern    string     `json:"pattern"`
	Matched    string     `json:"matched"`
	Field      string     `json:"field"`
	Confidence float64    `json:"confidence"`
}

// MaxStringLength bounds the scanned prefix of any single string.
const MaxStringLength = 10_000

type rule struct {
	typ        ThreatType
	severity   Severity
	confidence float64
	re         *regexp.Regexp
}

// The catalog is fixed at startup; rules never compile per request.
var rules = []rule{
	// SQL injection
	{ThreatSQLInjection, SeverityCritical, 0.9,
		regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|create|truncate)\b[\s\S]{0,40}\b(from|into|table|database|where|set)\b`)},
	{ThreatSQLInjection, SeverityCritical, 0.95,
		regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{ThreatSQLInjection, SeverityHigh, 0.8,
		regexp.MustCompile(`(?i)('|")\s*or\s+('|")?\w+('|")?\s*=\s*('|")?\w+`)},
	{ThreatSQLInjection, SeverityMedium, 0.6,
		regexp.MustCompile(`(--[^\r\n]*|/\*[\s\S]*?\*/|;\s*--)`)},

	// XSS
	{ThreatXSS, SeverityCritical, 0.95,
		regexp.MustCompile(`(?i)<script[^>]*>`)},
	{ThreatXSS, SeverityHigh, 0.85,
		regexp.MustCompile(`(?i)<iframe[^>]*>`)},
	{ThreatXSS, SeverityHigh, 0.8,
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit|input)\s*=`)},
	{ThreatXSS, SeverityHigh, 0.75,
		regexp.MustCompile(`(?i)\b(eval|settimeout|setinterval)\s*\(`)},
	{ThreatXSS, SeverityMedium, 0.7,
		regexp.MustCompile(`(?i)(javascript:|expression\s*\()`)},

	// Path traversal, raw and URL-encoded
	{ThreatPathTraversal, SeverityHigh, 0.85,
		regexp.MustCompile(`(\.\./|\.\.\\){1,}`)},
	{ThreatPathTraversal, SeverityHigh, 0.85,
		regexp.MustCompile(`(?i)(%2e%2e(%2f|%5c|/|\\)|\.\.(%2f|%5c))`)},

	// Command injection: shell metacharacter followed by a known binary, or
	// command substitution.
	{ThreatCommandInjection, SeverityCritical, 0.85,
		regexp.MustCompile(`(?i)[;&|]\s*(cat|ls|rm|cp|mv|wget|curl|bash|sh|zsh|nc|ncat|python|perl|ruby|powershell|cmd)\b`)},
	{ThreatCommandInjection, SeverityCritical, 0.9,
		regexp.MustCompile("\\$\\([^)]*\\)|`[^`]*`")},

	// NoSQL operator injection
	{ThreatNoSQLInjection, SeverityHigh, 0.8,
		regexp.MustCompile(`"\$(where|ne|gt|lt|gte|lte|regex|in|nin|or|and|not|exists)"\s*:`)},
	{ThreatNoSQLInjection, SeverityMedium, 0.6,
		regexp.MustCompile(`\$(where|regex)\b`)},

	// LDAP filter metacharacters
	{ThreatLDAPInjection, SeverityMedium, 0.6,
		regexp.MustCompile(`\(\||\(&|\)\(|\*\)`)},
}

// Scanner runs the catalog.
type Scanner struct{}

func New() *Scanner { return &Scanner{} }

// ScanString runs every rule against one value. field qualifies the source
// for reporting (dotted path into the payload).
func (s *Scanner) ScanString(field, value string) []Threat {
	if value == "" {
		return nil
	}
	if len(value) > MaxStringLength {
		value = value[:MaxStringLength]
	}

	var threats []Threat
	for _, r := range rules {
		if m := r.re.FindString(value); m != "" {
			threats = append(threats, Threat{
				Type:       r.typ,
				Severity:   r.severity,
				Pattern:    r.re.String(),
				Matched:    m,
				Field:      field,
				Confidence: r.confidence,
			})
		}
	}
	return threats
}

// ScanValue walks a decoded JSON value and scans every string leaf.
func (s *Scanner) ScanValue(field string, value interface{}) []Threat {
	switch v := value.(type) {
	case string:
		return s.ScanString(field, v)
	case map[string]interface{}:
		var threats []Threat
		for key, item := range v {
			// Keys themselves carry NoSQL operators.
			threats = append(threats, s.ScanString(field+"."+key, key)...)
			threats = append(threats, s.ScanValue(join(field, key), item)...)
		}
		return threats
	case []interface{}:
		var threats []Threat
		for i, item := range v {
			threats = append(threats, s.ScanValue(fmt.Sprintf("%s[%d]", field, i), item)...)
		}
		return threats
	default:
		return nil
	}
}

// Sanitize neutralizes matches in value: critical matches are replaced with
// [BLOCKED], high matches are HTML-entity-encoded. Replacement is by literal
// string, never by recompiling the matched text.
func (s *Scanner) Sanitize(value string, threats []Threat) string {
	for _, t := range threats {
		if t.Matched == "" {
			continue
		}
		switch t.Severity {
		case SeverityCritical:
			value = strings.ReplaceAll(value, t.Matched, "[BLOCKED]")
		case SeverityHigh:
			value = strings.ReplaceAll(value, t.Matched, html.EscapeString(t.Matched))
		}
	}
	return value
}

// MaxSeverity returns the highest severity present.
func MaxSeverity(threats []Threat) Severity {
	rank := map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}
	max := Severity("")
	best := -1
	for _, t := range threats {
		if r := rank[t.Severity]; r > best {
			best = r
			max = t.Severity
		}
	}
	return max
}

func join(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
