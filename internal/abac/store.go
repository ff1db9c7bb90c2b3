package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/keyfront/gateway/internal/kv"
)

const policyPrefix = "abac:policy:"

// ErrPolicyNotFound is returned for lookups of unknown policy IDs.
var ErrPolicyNotFound = errors.New("abac: policy not found")

// PolicyStore persists policies in the KV store, one record per policy at
// abac:policy:{tenant}:{id}.
type PolicyStore struct {
	store kv.Store
	now   func() time.Time
}

func NewPolicyStore(store kv.Store) *PolicyStore {
	return &PolicyStore{store: store, now: time.Now}
}

func policyKey(tenantID, id string) string {
	return policyPrefix + tenantID + ":" + id
}

// Save writes the policy, stamping created/updated times and bumping the
// version on overwrite.
func (s *PolicyStore) Save(ctx context.Context, p *Policy) error {
	if p.ID == "" || p.TenantID == "" {
		return errors.New("abac: policy requires id and tenantId")
	}
	for _, rule := range p.Rules {
		if rule.Effect != EffectPermit && rule.Effect != EffectDeny {
			return fmt.Errorf("abac: rule %s has invalid effect %q", rule.ID, rule.Effect)
		}
		for _, m := range allMatchers(&rule) {
			if !m.Operator.Valid() {
				return fmt.Errorf("abac: rule %s has unknown operator %q", rule.ID, m.Operator)
			}
		}
	}

	now := s.now().UTC()
	if existing, err := s.Get(ctx, p.TenantID, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
		p.Version = existing.Version + 1
	} else {
		p.CreatedAt = now
		if p.Version == 0 {
			p.Version = 1
		}
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", p.ID, err)
	}
	return s.store.Set(ctx, policyKey(p.TenantID, p.ID), string(data), 0)
}

// Get loads one policy.
func (s *PolicyStore) Get(ctx context.Context, tenantID, id string) (*Policy, error) {
	raw, err := s.store.Get(ctx, policyKey(tenantID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy %s: %w", id, err)
	}
	return &p, nil
}

// List returns every policy owned by the tenant.
func (s *PolicyStore) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	keys, err := s.store.Keys(ctx, policyPrefix+tenantID+":*")
	if err != nil {
		return nil, err
	}
	policies := make([]*Policy, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, policyPrefix+tenantID+":")
		p, err := s.Get(ctx, tenantID, id)
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

// ListEnabled returns only enabled policies, the set the PDP evaluates.
func (s *PolicyStore) ListEnabled(ctx context.Context, tenantID string) ([]*Policy, error) {
	policies, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	enabled := policies[:0]
	for _, p := range policies {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled, nil
}

// Delete removes a policy. Deleting an unknown policy returns
// ErrPolicyNotFound.
func (s *PolicyStore) Delete(ctx context.Context, tenantID, id string) error {
	exists, err := s.store.Exists(ctx, policyKey(tenantID, id))
	if err != nil {
		return err
	}
	if !exists {
		return ErrPolicyNotFound
	}
	_, err = s.store.Del(ctx, policyKey(tenantID, id))
	return err
}

// seedFile is the YAML shape for ABAC_POLICY_FILE.
type seedFile struct {
	Policies []Policy `yaml:"policies"`
}

// SeedFromFile loads policies from a YAML file at startup. Existing
// policies with the same id are overwritten.
func (s *PolicyStore) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read policy seed %s: %w", path, err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse policy seed %s: %w", path, err)
	}
	for i := range file.Policies {
		if err := s.Save(ctx, &file.Policies[i]); err != nil {
			return i, err
		}
	}
	return len(file.Policies), nil
}

func allMatchers(rule *Rule) []Matcher {
	var all []Matcher
	all = append(all, rule.Target.Subject...)
	all = append(all, rule.Target.Resource...)
	all = append(all, rule.Target.Action...)
	all = append(all, rule.Target.Environment...)
	all = append(all, rule.Conditions...)
	return all
}
