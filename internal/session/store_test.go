package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

func newTestStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewStore(raw, metrics, slog.Default()), raw
}

func baseSession() Session {
	return Session{
		Sub:      "user123",
		TenantID: "t1",
		Email:    "user@example.com",
		Roles:    []string{"USER"},
	}
}

func baseBlob() TokenBlob {
	return TokenBlob{
		AccessToken:  "at-secret",
		RefreshToken: "rt-secret",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestStore_CreateResolveRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)
	assert.NotEmpty(t, created.SID)
	assert.GreaterOrEqual(t, len(created.SID), 43, "sid carries at least 256 bits")
	assert.NotEmpty(t, created.AccessTokenRef)
	assert.NotEmpty(t, created.RefreshTokenRef)

	got, err := store.Resolve(ctx, created.SID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created, got, "persisted session reads back equal")
}

func TestStore_ResolveUnknownSID(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Resolve(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ExpiredSessionDeletedOnResolve(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	// expiresAt == now counts as expired.
	store.now = func() time.Time { return time.UnixMilli(created.ExpiresAt) }

	got, err := store.Resolve(ctx, created.SID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = raw.Get(ctx, "sess:"+created.SID)
	assert.ErrorIs(t, err, kv.ErrNotFound, "expired record is physically removed")
}

func TestStore_TouchUpdatesActivityOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	later := time.Now().Add(10 * time.Minute)
	store.now = func() time.Time { return later }
	require.NoError(t, store.Touch(ctx, created.SID))

	store.now = time.Now
	got, err := store.Resolve(ctx, created.SID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, later.UnixMilli(), got.LastActivity)
	assert.Equal(t, created.ExpiresAt, got.ExpiresAt, "expiry is never extended by activity")
}

func TestStore_DestroyWinsOverTouch(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	require.NoError(t, store.Destroy(ctx, created.SID))

	// Touch after destroy is a no-op and must not re-create the record.
	require.NoError(t, store.Touch(ctx, created.SID))
	_, err = raw.Get(ctx, "sess:"+created.SID)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	got, err := store.Resolve(ctx, created.SID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DestroyRemovesTokensAndCSRF(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	csrfKey := "csrf:" + created.SID + ":sometoken"
	require.NoError(t, raw.Set(ctx, csrfKey, "{}", time.Hour))

	require.NoError(t, store.Destroy(ctx, created.SID))

	_, err = raw.Get(ctx, "sess:tokens:"+created.AccessTokenRef)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = raw.Get(ctx, csrfKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_UpdateTokensKeepsSID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	refreshed := TokenBlob{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    time.Now().Add(2 * time.Hour).UnixMilli(),
	}
	require.NoError(t, store.UpdateTokens(ctx, created, refreshed))

	got, err := store.Resolve(ctx, created.SID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, refreshed.ExpiresAt, got.ExpiresAt)

	blob, err := store.Tokens(ctx, got)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, "at-new", blob.AccessToken)
}

func TestStore_UpdateTokensAfterDestroyFails(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)
	require.NoError(t, store.Destroy(ctx, created.SID))

	err = store.UpdateTokens(ctx, created, baseBlob())
	assert.Error(t, err, "refresh must not resurrect a destroyed session")
}

func TestStore_SessionsForUserScopedByTenant(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)
	_, err = store.Create(ctx, baseSession(), baseBlob())
	require.NoError(t, err)

	other := baseSession()
	other.TenantID = "t2"
	_, err = store.Create(ctx, other, baseBlob())
	require.NoError(t, err)

	sessions, err := store.SessionsForUser(ctx, "t1", "user123")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	tenantSessions, err := store.SessionsForTenant(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, tenantSessions, 1)
}

func TestProfile_OmitsTokenRefs(t *testing.T) {
	store, _ := newTestStore(t)

	created, err := store.Create(context.Background(), baseSession(), baseBlob())
	require.NoError(t, err)

	data, err := json.Marshal(created.Profile())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "TokenRef")
	assert.NotContains(t, string(data), created.AccessTokenRef)
	assert.NotContains(t, string(data), "at-secret")
}
