package tenant

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/kv"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewManager(kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

func TestManager_CreateGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tn := &Tenant{ID: "t1", Name: "Acme", AllowedOrigins: []string{"https://app.acme.test"}}
	require.NoError(t, m.Create(ctx, tn))
	assert.Equal(t, StatusActive, tn.Status, "status defaults to active")

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, []string{"https://app.acme.test"}, got.AllowedOrigins)

	assert.Error(t, m.Create(ctx, &Tenant{ID: "t1", Name: "dup"}), "duplicate id rejected")
}

func TestManager_UpdatePreservesCreatedAt(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tn := &Tenant{ID: "t1", Name: "Acme"}
	require.NoError(t, m.Create(ctx, tn))
	created := tn.CreatedAt

	tn.Name = "Acme Corp"
	require.NoError(t, m.Update(ctx, tn))

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, created, got.CreatedAt)
}

func TestManager_DeleteRemovesAPIKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, &Tenant{ID: "t1", Name: "Acme"}))
	_, fullKey, err := m.CreateAPIKey(ctx, "t1", "ci")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "t1"))

	_, err = m.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.ValidateAPIKey(ctx, fullKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestManager_APIKeyLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, &Tenant{ID: "t1", Name: "Acme"}))

	ak, fullKey, err := m.CreateAPIKey(ctx, "t1", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fullKey, "kf_"))
	assert.Contains(t, fullKey, ".")
	assert.NotContains(t, ak.SecretHash, strings.SplitN(fullKey, ".", 2)[1],
		"secret is stored only as a hash")

	got, err := m.ValidateAPIKey(ctx, fullKey)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	// Tampered secret fails.
	_, err = m.ValidateAPIKey(ctx, fullKey+"x")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	// Malformed keys fail.
	_, err = m.ValidateAPIKey(ctx, "nonsense")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	require.NoError(t, m.RevokeAPIKey(ctx, ak.KeyID))
	_, err = m.ValidateAPIKey(ctx, fullKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestManager_SuspendedTenantKeyRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, &Tenant{ID: "t1", Name: "Acme"}))

	_, fullKey, err := m.CreateAPIKey(ctx, "t1", "ci")
	require.NoError(t, err)

	tn, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	tn.Status = StatusSuspended
	require.NoError(t, m.Update(ctx, tn))

	_, err = m.ValidateAPIKey(ctx, fullKey)
	assert.ErrorIs(t, err, ErrTenantDisabled)
}

func TestManager_List(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, &Tenant{ID: "b", Name: "B"}))
	require.NoError(t, m.Create(ctx, &Tenant{ID: "a", Name: "A"}))
	_, _, err := m.CreateAPIKey(ctx, "a", "ci")
	require.NoError(t, err)

	tenants, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 2, "api key records are not tenants")
	assert.Equal(t, "a", tenants[0].ID)
}
