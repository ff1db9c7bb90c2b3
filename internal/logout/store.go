package logout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/keyfront/gateway/internal/kv"
)

const (
	policyPrefix = "logout:policy:"
	clientPrefix = "logout:client:"
	eventPrefix  = "logout:event:"

	eventTTL = 7 * 24 * time.Hour
)

var (
	ErrPolicyNotFound = errors.New("logout: policy not found")
	ErrClientNotFound = errors.New("logout: client registration not found")
)

// Store persists logout policies, client registrations, and event records.
type Store struct {
	store kv.Store
	now   func() time.Time
}

func NewStore(store kv.Store) *Store {
	return &Store{store: store, now: time.Now}
}

// SavePolicy writes a policy at logout:policy:{tenant}:{id}.
func (s *Store) SavePolicy(ctx context.Context, p *Policy) error {
	if p.ID == "" || p.TenantID == "" {
		return errors.New("logout: policy requires id and tenantId")
	}
	now := s.now().UTC()
	if existing, err := s.GetPolicy(ctx, p.TenantID, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal logout policy %s: %w", p.ID, err)
	}
	return s.store.Set(ctx, policyPrefix+p.TenantID+":"+p.ID, string(data), 0)
}

func (s *Store) GetPolicy(ctx context.Context, tenantID, id string) (*Policy, error) {
	raw, err := s.store.Get(ctx, policyPrefix+tenantID+":"+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal logout policy %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context, tenantID string) ([]*Policy, error) {
	keys, err := s.store.Keys(ctx, policyPrefix+tenantID+":*")
	if err != nil {
		return nil, err
	}
	policies := make([]*Policy, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, policyPrefix+tenantID+":")
		p, err := s.GetPolicy(ctx, tenantID, id)
		if errors.Is(err, ErrPolicyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (s *Store) DeletePolicy(ctx context.Context, tenantID, id string) error {
	exists, err := s.store.Exists(ctx, policyPrefix+tenantID+":"+id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrPolicyNotFound
	}
	_, err = s.store.Del(ctx, policyPrefix+tenantID+":"+id)
	return err
}

// EffectivePolicy returns the highest-priority enabled policy for the
// tenant, or conservative defaults when none is configured.
func (s *Store) EffectivePolicy(ctx context.Context, tenantID string) (*Policy, error) {
	policies, err := s.ListPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	enabled := policies[:0]
	for _, p := range policies {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	if len(enabled) == 0 {
		return DefaultPolicy(tenantID), nil
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})
	return enabled[0], nil
}

// DefaultPolicy is used when a tenant has no logout policy configured.
func DefaultPolicy(tenantID string) *Policy {
	return &Policy{
		ID:                         "default",
		TenantID:                   tenantID,
		Enabled:                    true,
		TerminateAllSessions:       false,
		NotifyAllClients:           true,
		NotificationTimeoutSeconds: 10,
		MaxNotificationRetries:     3,
	}
}

// SaveClient registers a back-channel logout receiver.
func (s *Store) SaveClient(ctx context.Context, c *ClientRegistration) error {
	if c.ClientID == "" || c.TenantID == "" {
		return errors.New("logout: registration requires clientId and tenantId")
	}
	if c.BackchannelLogoutURI == "" {
		return errors.New("logout: registration requires backchannel_logout_uri")
	}
	now := s.now().UTC()
	if existing, err := s.GetClient(ctx, c.TenantID, c.ClientID); err == nil {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal client registration %s: %w", c.ClientID, err)
	}
	return s.store.Set(ctx, clientPrefix+c.TenantID+":"+c.ClientID, string(data), 0)
}

func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*ClientRegistration, error) {
	raw, err := s.store.Get(ctx, clientPrefix+tenantID+":"+clientID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	var c ClientRegistration
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal client registration %s: %w", clientID, err)
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context, tenantID string) ([]*ClientRegistration, error) {
	keys, err := s.store.Keys(ctx, clientPrefix+tenantID+":*")
	if err != nil {
		return nil, err
	}
	clients := make([]*ClientRegistration, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, clientPrefix+tenantID+":")
		c, err := s.GetClient(ctx, tenantID, id)
		if errors.Is(err, ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (s *Store) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	exists, err := s.store.Exists(ctx, clientPrefix+tenantID+":"+clientID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrClientNotFound
	}
	_, err = s.store.Del(ctx, clientPrefix+tenantID+":"+clientID)
	return err
}

// SaveEvent writes the logout event record.
func (s *Store) SaveEvent(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal logout event %s: %w", ev.ID, err)
	}
	return s.store.Set(ctx, eventPrefix+ev.TenantID+":"+ev.ID, string(data), eventTTL)
}

// ListEvents returns the tenant's recorded logout events, newest first.
func (s *Store) ListEvents(ctx context.Context, tenantID string) ([]*Event, error) {
	keys, err := s.store.Keys(ctx, eventPrefix+tenantID+":*")
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].InitiatedAt.After(events[j].InitiatedAt)
	})
	return events, nil
}

type policySeed struct {
	Policies []Policy `yaml:"policies"`
}

// SeedPoliciesFromFile loads logout policies from a YAML file.
func (s *Store) SeedPoliciesFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read logout policy seed %s: %w", path, err)
	}
	var file policySeed
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse logout policy seed %s: %w", path, err)
	}
	for i := range file.Policies {
		if err := s.SavePolicy(ctx, &file.Policies[i]); err != nil {
			return i, err
		}
	}
	return len(file.Policies), nil
}
