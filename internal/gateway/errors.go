// Package gateway defines the structured error taxonomy and the JSON
// response envelope shared by every HTTP surface of the gateway.
package gateway

import (
	"fmt"
	"net/http"
)

// Wire error codes. These are the only codes clients ever see; internal
// causes are recorded by the error tracker but not returned.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeForbidden             = "FORBIDDEN"
	CodeTenantAccessDenied    = "TENANT_ACCESS_DENIED"
	CodeCSRFNoSession         = "CSRF_NO_SESSION"
	CodeCSRFMissingToken      = "CSRF_MISSING_TOKEN"
	CodeCSRFInvalidToken      = "CSRF_INVALID_TOKEN"
	CodeCORSForbidden         = "CORS_FORBIDDEN"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeSecurityThreatBlocked = "SECURITY_THREAT_BLOCKED"
	CodeOIDCInvalidToken      = "OIDC_INVALID_TOKEN"
	CodeOIDCUnavailable       = "OIDC_UNAVAILABLE"
	CodeOAuthStateInvalid     = "OAUTH_STATE_INVALID"
	CodeProxyTimeout          = "PROXY_TIMEOUT"
	CodeProxyFailed           = "PROXY_FAILED"
	CodePolicyNotFound        = "POLICY_NOT_FOUND"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
)

// Error is the single structured error type emitted by all middleware and
// handlers.
type Error struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	TraceID    string                 `json:"traceId,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause to errors.Is/As without leaking it on
// the wire.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an internal cause for logging and error tracking.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetails attaches client-visible detail fields.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// New constructs an Error with an explicit status.
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func SessionExpired() *Error {
	return New(CodeSessionExpired, "session has expired", http.StatusUnauthorized)
}

func Forbidden(message string) *Error {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func TenantAccessDenied() *Error {
	return New(CodeTenantAccessDenied, "access to this tenant is denied", http.StatusForbidden)
}

func RateLimitExceeded(retryAfter int) *Error {
	return New(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails(map[string]interface{}{"retryAfter": retryAfter})
}

func ValidationFailed(details map[string]interface{}) *Error {
	return New(CodeValidationFailed, "request validation failed", http.StatusBadRequest).
		WithDetails(details)
}

func SecurityThreatBlocked() *Error {
	return New(CodeSecurityThreatBlocked, "request blocked by security policy", http.StatusForbidden)
}

func OIDCUnavailable(err error) *Error {
	return New(CodeOIDCUnavailable, "identity provider unavailable", http.StatusBadGateway).WithCause(err)
}

func OIDCInvalidToken(err error) *Error {
	return New(CodeOIDCInvalidToken, "identity token validation failed", http.StatusUnauthorized).WithCause(err)
}

func OAuthStateInvalid() *Error {
	return New(CodeOAuthStateInvalid, "login state is missing or expired", http.StatusBadRequest)
}

func ProxyTimeout() *Error {
	return New(CodeProxyTimeout, "downstream request timed out", http.StatusGatewayTimeout)
}

func ProxyFailed(err error) *Error {
	return New(CodeProxyFailed, "downstream request failed", http.StatusBadGateway).WithCause(err)
}

func PolicyNotFound(id string) *Error {
	return New(CodePolicyNotFound, "policy not found", http.StatusNotFound).
		WithDetails(map[string]interface{}{"id": id})
}

func SessionNotFound() *Error {
	return New(CodeSessionNotFound, "session not found", http.StatusNotFound)
}

func Internal(err error) *Error {
	return New(CodeInternalError, "internal error", http.StatusInternalServerError).WithCause(err)
}

func ServiceUnavailable(message string) *Error {
	return New(CodeServiceUnavailable, message, http.StatusServiceUnavailable)
}
