package logout

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/session"
)

// ConnectionCloser closes a user's live WebSocket connections when their
// sessions are terminated. Implemented by the WS bridge registry.
type ConnectionCloser interface {
	CloseUserConnections(tenantID, userID string, code int, reason string) int
}

// SessionTerminatedClose is the WS close code sent on session termination.
const SessionTerminatedClose = 4401

// Orchestrator runs the full back-channel logout algorithm.
type Orchestrator struct {
	sessions *session.Store
	store    *Store
	notifier *Notifier
	signer   *TokenSigner
	closer   ConnectionCloser
	audit    *audit.Logger
	metrics  *observability.Metrics
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewOrchestrator(sessions *session.Store, store *Store, notifier *Notifier, signer *TokenSigner, closer ConnectionCloser, auditLog *audit.Logger, metrics *observability.Metrics, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		store:    store,
		notifier: notifier,
		signer:   signer,
		closer:   closer,
		audit:    auditLog,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Logout terminates the session identified by sid per the tenant's logout
// policy, notifies registered clients, and records the event.
func (o *Orchestrator) Logout(ctx context.Context, sid string, trigger Trigger) (*Event, error) {
	primary, err := o.sessions.Resolve(ctx, sid)
	if err != nil {
		return nil, gateway.Internal(err)
	}
	if primary == nil {
		return nil, gateway.SessionNotFound()
	}

	policy, err := o.store.EffectivePolicy(ctx, primary.TenantID)
	if err != nil {
		return nil, gateway.Internal(err)
	}

	affected := []*session.Session{primary}
	if policy.TerminateAllSessions || policy.TerminateRelatedSessions {
		all, err := o.sessions.SessionsForUser(ctx, primary.TenantID, primary.Sub)
		if err != nil {
			o.log.Warn("session scan during logout failed", "error", err)
		}
		for _, s := range all {
			if s.SID == primary.SID {
				continue
			}
			// Related means sharing the primary session's client.
			if policy.TerminateAllSessions || s.ClientID == primary.ClientID {
				affected = append(affected, s)
			}
		}
	}

	ev := &Event{
		ID:          uuid.NewString(),
		TenantID:    primary.TenantID,
		UserID:      primary.Sub,
		SessionID:   primary.SID,
		Trigger:     trigger,
		Status:      StatusInitiated,
		PolicyID:    policy.ID,
		InitiatedAt: o.now().UTC(),
		TraceID:     observability.TraceID(ctx),
	}
	if err := o.store.SaveEvent(ctx, ev); err != nil {
		o.log.Warn("logout event save failed", "event", ev.ID, "error", err)
	}

	ev.Status = StatusInProgress
	ev.Notifications = o.notifyClients(ctx, policy, affected, primary)

	// The grace period gives notified clients time to react before their
	// sessions disappear.
	if policy.GracePeriodSeconds > 0 {
		o.sleep(ctx, time.Duration(policy.GracePeriodSeconds)*time.Second)
	}

	for _, s := range affected {
		if err := o.sessions.Destroy(ctx, s.SID); err != nil {
			o.log.Error("session termination failed", "sid", s.SID, "error", err)
			continue
		}
		ev.TerminatedSessions = append(ev.TerminatedSessions, s.SID)
	}
	if o.closer != nil {
		ev.ClosedConnections = o.closer.CloseUserConnections(primary.TenantID, primary.Sub, SessionTerminatedClose, "session terminated")
	}

	ev.Status = finalStatus(policy, ev.Notifications)
	ev.CompletedAt = o.now().UTC()
	if err := o.store.SaveEvent(ctx, ev); err != nil {
		o.log.Warn("logout event save failed", "event", ev.ID, "error", err)
	}

	o.metrics.LogoutsTotal.WithLabelValues(string(trigger), string(ev.Status)).Inc()
	result := audit.ResultAllow
	if ev.Status == StatusFailed {
		result = audit.ResultError
	}
	o.audit.Record(ctx, audit.Event{
		TenantID:     ev.TenantID,
		UserID:       ev.UserID,
		Action:       "logout." + string(trigger),
		ResourceType: "session",
		ResourceID:   ev.SessionID,
		Result:       result,
		Reason:       string(ev.Status),
		Metadata: map[string]interface{}{
			"terminatedSessions": len(ev.TerminatedSessions),
			"closedConnections":  ev.ClosedConnections,
			"notifications":      len(ev.Notifications),
		},
	})
	return ev, nil
}

// HandleBackchannel processes an IdP-initiated logout token: validate,
// resolve the targeted sessions by sub and/or sid, and cascade.
func (o *Orchestrator) HandleBackchannel(ctx context.Context, tenantID, rawToken string) (*Event, error) {
	claims, err := o.signer.Verify(rawToken)
	if err != nil {
		return nil, gateway.OIDCInvalidToken(err)
	}

	if claims.SessionID != "" {
		return o.Logout(ctx, claims.SessionID, TriggerExternal)
	}

	sessions, err := o.sessions.SessionsForUser(ctx, tenantID, claims.Subject)
	if err != nil {
		return nil, gateway.Internal(err)
	}
	if len(sessions) == 0 {
		return nil, gateway.SessionNotFound()
	}
	return o.Logout(ctx, sessions[0].SID, TriggerExternal)
}

// notifyClients fans out logout tokens to the affected clients.
func (o *Orchestrator) notifyClients(ctx context.Context, policy *Policy, affected []*session.Session, primary *session.Session) []NotificationResult {
	registered, err := o.store.ListClients(ctx, primary.TenantID)
	if err != nil {
		o.log.Warn("client registration scan failed", "error", err)
		return nil
	}

	targets := make(map[string]*ClientRegistration)
	for _, reg := range registered {
		if !reg.LogoutNotificationEnabled || reg.BackchannelLogoutURI == "" {
			continue
		}
		if policy.NotifyAllClients {
			targets[reg.ClientID] = reg
			continue
		}
		for _, s := range affected {
			if s.ClientID == reg.ClientID {
				targets[reg.ClientID] = reg
				break
			}
		}
	}

	timeout := time.Duration(policy.NotificationTimeoutSeconds) * time.Second
	var results []NotificationResult
	for _, reg := range targets {
		results = append(results,
			o.notifier.Notify(ctx, reg, primary.Sub, primary.SID, policy.MaxNotificationRetries, timeout))
	}
	return results
}

func finalStatus(policy *Policy, notifications []NotificationResult) Status {
	failed := 0
	for _, n := range notifications {
		if !n.Acknowledged {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case !policy.RequireClientAck:
		// Failures are tolerated when acks are not required.
		return StatusCompleted
	case failed < len(notifications):
		return StatusPartial
	default:
		return StatusFailed
	}
}
