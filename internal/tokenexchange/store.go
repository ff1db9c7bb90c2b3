package tokenexchange

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

const (
	policyPrefix = "token_exchange:policy:"
	tokenPrefix  = "token_exchange:token:"
)

// ErrPolicyNotFound is returned for lookups of unknown policy IDs.
var ErrPolicyNotFound = errors.New("tokenexchange: policy not found")

// PolicyStore persists exchange policies at
// token_exchange:policy:{tenant}:{id}.
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

// Save writes the policy with timestamps.
func (s *PolicyStore) Save(ctx context.Context, p *Policy) error {
	if p.ID == "" || p.TenantID == "" {
		return errors.New("tokenexchange: policy requires id and tenantId")
	}
	if len(p.AllowedSubjects) == 0 {
		return errors.New("tokenexchange: policy requires allowed_subjects")
	}
	now := s.now().UTC()
	if existing, err := s.Get(ctx, p.TenantID, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
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

// List returns all of the tenant's policies.
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

// Delete removes a policy.
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

type seedFile struct {
	Policies []Policy `yaml:"policies"`
}

// SeedFromFile loads exchange policies from TOKEN_EXCHANGE_POLICY_FILE.
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

// TokenStore keeps metadata for minted tokens until they expire.
type TokenStore struct {
	store kv.Store
}

func NewTokenStore(store kv.Store) *TokenStore {
	return &TokenStore{store: store}
}

// Put writes the record with TTL = exp - now.
func (s *TokenStore) Put(ctx context.Context, rec *TokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	return s.store.Set(ctx, tokenPrefix+rec.JTI, string(data), ttl)
}

// Get loads a minted token's metadata; nil when expired or unknown.
func (s *TokenStore) Get(ctx context.Context, jti string) (*TokenRecord, error) {
	raw, err := s.store.Get(ctx, tokenPrefix+jti)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal token record %s: %w", jti, err)
	}
	return &rec, nil
}
