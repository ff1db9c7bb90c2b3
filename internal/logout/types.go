// Package logout implements gateway-initiated and IdP-initiated
// back-channel logout: policy-driven session termination with signed
// logout-token notifications to registered clients (OIDC Back-Channel
// Logout 1.0).
package logout

import "time"

// Trigger names the initiation path of a logout event.
type Trigger string

const (
	TriggerUser     Trigger = "user"
	TriggerAdmin    Trigger = "admin"
	TriggerIdle     Trigger = "idle_timeout"
	TriggerAbsolute Trigger = "absolute_timeout"
	TriggerSecurity Trigger = "security_policy"
	TriggerExternal Trigger = "external"
)

// Status is the lifecycle state of a logout event.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Policy controls the blast radius and notification behavior of a logout.
type Policy struct {
	ID                         string    `json:"id" yaml:"id"`
	TenantID                   string    `json:"tenantId" yaml:"tenantId"`
	Name                       string    `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled                    bool      `json:"enabled" yaml:"enabled"`
	Priority                   int       `json:"priority" yaml:"priority"`
	TerminateAllSessions       bool      `json:"terminate_all_sessions" yaml:"terminate_all_sessions"`
	TerminateRelatedSessions   bool      `json:"terminate_related_sessions" yaml:"terminate_related_sessions"`
	NotifyAllClients           bool      `json:"notify_all_clients" yaml:"notify_all_clients"`
	RequireClientAck           bool      `json:"require_client_acknowledgment" yaml:"require_client_acknowledgment"`
	NotificationTimeoutSeconds int       `json:"notification_timeout_seconds" yaml:"notification_timeout_seconds"`
	MaxNotificationRetries     int       `json:"max_notification_retries" yaml:"max_notification_retries"`
	GracePeriodSeconds         int       `json:"grace_period_seconds" yaml:"grace_period_seconds"`
	CascadeDepthLimit          int       `json:"cascade_depth_limit" yaml:"cascade_depth_limit"`
	CreatedAt                  time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt                  time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// ClientRegistration is a downstream client that receives back-channel
// logout notifications.
type ClientRegistration struct {
	ClientID                  string    `json:"clientId"`
	TenantID                  string    `json:"tenantId"`
	Name                      string    `json:"name,omitempty"`
	BackchannelLogoutURI      string    `json:"backchannel_logout_uri"`
	LogoutNotificationEnabled bool      `json:"logout_notification_enabled"`
	CreatedAt                 time.Time `json:"createdAt,omitempty"`
	UpdatedAt                 time.Time `json:"updatedAt,omitempty"`
}

// NotificationResult records the outcome for one client.
type NotificationResult struct {
	ClientID     string `json:"clientId"`
	URI          string `json:"uri"`
	Acknowledged bool   `json:"acknowledged"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// Event is one logout event's full record.
type Event struct {
	ID                 string               `json:"id"`
	TenantID           string               `json:"tenantId"`
	UserID             string               `json:"userId"`
	SessionID          string               `json:"sessionId"`
	Trigger            Trigger              `json:"trigger"`
	Status             Status               `json:"status"`
	PolicyID           string               `json:"policyId,omitempty"`
	TerminatedSessions []string             `json:"terminatedSessions"`
	ClosedConnections  int                  `json:"closedConnections"`
	Notifications      []NotificationResult `json:"notifications,omitempty"`
	InitiatedAt        time.Time            `json:"initiatedAt"`
	CompletedAt        time.Time            `json:"completedAt,omitempty"`
	TraceID            string               `json:"traceId,omitempty"`
}
