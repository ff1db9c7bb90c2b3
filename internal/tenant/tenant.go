// Package tenant manages tenant records and server-to-server admin API
// keys. Tenants carry their CORS allowlist and settings; API keys use the
// format kf_<id>.<secret> with only a bcrypt hash of the secret persisted.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfront/gateway/internal/kv"
)

const (
	tenantPrefix = "tenant:"
	apiKeyPrefix = "tenant:apikey:"
	keyIDLength  = 12
)

var (
	ErrNotFound       = errors.New("tenant: not found")
	ErrInvalidAPIKey  = errors.New("tenant: invalid api key")
	ErrTenantDisabled = errors.New("tenant: disabled")
)

// Status of a tenant record.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is one tenant record.
type Tenant struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Status         Status            `json:"status"`
	AllowedOrigins []string          `json:"allowedOrigins,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// APIKey is the persisted part of an admin key. The secret exists only in
// the creation response.
type APIKey struct {
	KeyID      string    `json:"keyId"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	SecretHash string    `json:"secretHash"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// Manager persists tenants and API keys in the KV store.
type Manager struct {
	store kv.Store
	now   func() time.Time
}

func NewManager(store kv.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Create registers a tenant. A missing ID gets a generated one.
func (m *Manager) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		return errors.New("tenant: name is required")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	exists, err := m.store.Exists(ctx, tenantPrefix+t.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("tenant: %s already exists", t.ID)
	}
	t.CreatedAt = m.now().UTC()
	t.UpdatedAt = t.CreatedAt
	return m.put(ctx, t)
}

// Get loads one tenant.
func (m *Manager) Get(ctx context.Context, id string) (*Tenant, error) {
	raw, err := m.store.Get(ctx, tenantPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal tenant %s: %w", id, err)
	}
	return &t, nil
}

// Update rewrites mutable fields.
func (m *Manager) Update(ctx context.Context, t *Tenant) error {
	existing, err := m.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = m.now().UTC()
	if t.Status == "" {
		t.Status = existing.Status
	}
	return m.put(ctx, t)
}

// Delete removes the tenant and its API keys.
func (m *Manager) Delete(ctx context.Context, id string) error {
	exists, err := m.store.Exists(ctx, tenantPrefix+id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	keys, err := m.store.Keys(ctx, apiKeyPrefix+"*")
	if err == nil {
		for _, key := range keys {
			if raw, err := m.store.Get(ctx, key); err == nil {
				var ak APIKey
				if json.Unmarshal([]byte(raw), &ak) == nil && ak.TenantID == id {
					m.store.Del(ctx, key)
				}
			}
		}
	}
	_, err = m.store.Del(ctx, tenantPrefix+id)
	return err
}

// List returns all tenants sorted by ID. Admin path only.
func (m *Manager) List(ctx context.Context) ([]*Tenant, error) {
	keys, err := m.store.Keys(ctx, tenantPrefix+"*")
	if err != nil {
		return nil, err
	}
	tenants := make([]*Tenant, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, apiKeyPrefix) {
			continue
		}
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t Tenant
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tenants = append(tenants, &t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

// CreateAPIKey mints a key kf_<id>.<secret> and stores only the bcrypt
// hash. The full key is returned exactly once.
func (m *Manager) CreateAPIKey(ctx context.Context, tenantID, name string) (*APIKey, string, error) {
	if _, err := m.Get(ctx, tenantID); err != nil {
		return nil, "", err
	}

	keyID, err := randomToken(keyIDLength)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key secret: %w", err)
	}

	ak := &APIKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  m.now().UTC(),
	}
	data, err := json.Marshal(ak)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.Set(ctx, apiKeyPrefix+keyID, string(data), 0); err != nil {
		return nil, "", err
	}
	return ak, "kf_" + keyID + "." + secret, nil
}

// ValidateAPIKey checks a presented kf_<id>.<secret> key and returns the
// owning tenant.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	rest, ok := strings.CutPrefix(fullKey, "kf_")
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	keyID, secret, ok := strings.Cut(rest, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}

	raw, err := m.store.Get(ctx, apiKeyPrefix+keyID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	var ak APIKey
	if err := json.Unmarshal([]byte(raw), &ak); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ak.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	t, err := m.Get(ctx, ak.TenantID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if t.Status != StatusActive {
		return nil, ErrTenantDisabled
	}

	ak.LastUsedAt = m.now().UTC()
	if data, err := json.Marshal(&ak); err == nil {
		m.store.Set(ctx, apiKeyPrefix+keyID, string(data), 0)
	}
	return t, nil
}

// RevokeAPIKey deletes a key by ID.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID string) error {
	exists, err := m.store.Exists(ctx, apiKeyPrefix+keyID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err = m.store.Del(ctx, apiKeyPrefix+keyID)
	return err
}

func (m *Manager) put(ctx context.Context, t *Tenant) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tenant %s: %w", t.ID, err)
	}
	return m.store.Set(ctx, tenantPrefix+t.ID, string(data), 0)
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
