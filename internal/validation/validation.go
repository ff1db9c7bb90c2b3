// Package validation runs declared endpoint schemas against decoded JSON
// payloads, with security scanning gated in front.
//
// The schema model is structural: a closed enum of field types with length
// and cardinality caps. Validation errors carry path-qualified messages.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/keyfront/gateway/internal/scanner"
)

// FieldType is the closed set of schema types.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field describes one schema node.
type Field struct {
	Type       FieldType
	Required   bool
	MinLength  int
	MaxLength  int // strings; 0 = unlimited
	MaxItems   int // arrays
	MaxKeys    int // objects without declared properties
	Pattern    string
	Enum       []string
	Properties map[string]*Field // objects
	Items      *Field            // arrays
}

// Schema is the root object schema for an endpoint.
type Schema struct {
	Fields map[string]*Field
	// Strict rejects undeclared top-level keys.
	Strict bool
}

// Issue is a single validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate checks payload against the schema and returns every issue found.
func (s *Schema) Validate(payload map[string]interface{}) []Issue {
	var issues []Issue

	if s.Strict {
		for key := range payload {
			if _, ok := s.Fields[key]; !ok {
				issues = append(issues, Issue{Path: key, Message: "unexpected field"})
			}
		}
	}

	for name, field := range s.Fields {
		value, present := payload[name]
		if !present {
			if field.Required {
				issues = append(issues, Issue{Path: name, Message: "required field missing"})
			}
			continue
		}
		issues = append(issues, validateValue(name, field, value)...)
	}
	return issues
}

func validateValue(path string, f *Field, value interface{}) []Issue {
	switch f.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return []Issue{{Path: path, Message: "expected string"}}
		}
		var issues []Issue
		if f.MinLength > 0 && len(s) < f.MinLength {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("shorter than minimum length %d", f.MinLength)})
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("exceeds maximum length %d", f.MaxLength)})
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil || !re.MatchString(s) {
				issues = append(issues, Issue{Path: path, Message: "does not match required pattern"})
			}
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			issues = append(issues, Issue{Path: path, Message: "not one of the allowed values: " + strings.Join(f.Enum, ", ")})
		}
		return issues

	case TypeNumber:
		if _, ok := value.(float64); !ok {
			return []Issue{{Path: path, Message: "expected number"}}
		}
		return nil

	case TypeInteger:
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return []Issue{{Path: path, Message: "expected integer"}}
		}
		return nil

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return []Issue{{Path: path, Message: "expected boolean"}}
		}
		return nil

	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return []Issue{{Path: path, Message: "expected object"}}
		}
		var issues []Issue
		if f.MaxKeys > 0 && len(obj) > f.MaxKeys {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("exceeds maximum of %d keys", f.MaxKeys)})
		}
		for name, sub := range f.Properties {
			v, present := obj[name]
			subPath := path + "." + name
			if !present {
				if sub.Required {
					issues = append(issues, Issue{Path: subPath, Message: "required field missing"})
				}
				continue
			}
			issues = append(issues, validateValue(subPath, sub, v)...)
		}
		return issues

	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			return []Issue{{Path: path, Message: "expected array"}}
		}
		var issues []Issue
		if f.MaxItems > 0 && len(arr) > f.MaxItems {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("exceeds maximum of %d items", f.MaxItems)})
		}
		if f.Items != nil {
			for i, item := range arr {
				issues = append(issues, validateValue(fmt.Sprintf("%s[%d]", path, i), f.Items, item)...)
			}
		}
		return issues
	}

	return []Issue{{Path: path, Message: "unknown field type"}}
}

// ScanOutcome is the scanner gate's verdict for a payload.
type ScanOutcome struct {
	Threats []scanner.Threat
	// Block is set in production when any threat is high or critical.
	Block bool
}

// Gate runs the scanner over a payload and applies the environment policy:
// production blocks on high/critical, other environments log and sanitize.
type Gate struct {
	scanner    *scanner.Scanner
	production bool
}

func NewGate(sc *scanner.Scanner, production bool) *Gate {
	return &Gate{scanner: sc, production: production}
}

// Inspect scans the payload and decides whether to block.
func (g *Gate) Inspect(payload interface{}) ScanOutcome {
	threats := g.scanner.ScanValue("", payload)
	if len(threats) == 0 {
		return ScanOutcome{}
	}
	return ScanOutcome{
		Threats: threats,
		Block:   g.production && scanner.MaxSeverity(threats).Blocking(),
	}
}

// SanitizePayload rewrites string leaves in place for non-production use.
func (g *Gate) SanitizePayload(payload map[string]interface{}, threats []scanner.Threat) {
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			payload[key] = g.scanner.Sanitize(v, threats)
		case map[string]interface{}:
			g.SanitizePayload(v, threats)
		case []interface{}:
			for i, item := range v {
				if s, ok := item.(string); ok {
					v[i] = g.scanner.Sanitize(s, threats)
				}
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
