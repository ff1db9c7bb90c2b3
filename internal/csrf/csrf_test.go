package csrf

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/kv"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewManager(store, "test-csrf-secret")
}

func TestTokenHash_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	hash := m.CreateTokenHash("tok", "sid1")
	assert.True(t, m.VerifyTokenHash("tok", hash, "sid1"))
	assert.False(t, m.VerifyTokenHash("tok", hash, "sid2"), "hash is bound to exactly one session")
	assert.False(t, m.VerifyTokenHash("other", hash, "sid1"))
}

func TestManager_IssueVerifyConsumes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Issue(ctx, "sid1", "user123", "t1")
	require.NoError(t, err)
	assert.Len(t, rec.Token, 64)

	require.NoError(t, m.Verify(ctx, "sid1", rec.Token))

	// Replay after consumption fails.
	err = m.Verify(ctx, "sid1", rec.Token)
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeCSRFInvalidToken, ge.Code)
}

func TestManager_MissingToken(t *testing.T) {
	m := newTestManager(t)

	err := m.Verify(context.Background(), "sid1", "")
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeCSRFMissingToken, ge.Code)
}

func TestManager_WrongSessionRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Issue(ctx, "sid1", "", "")
	require.NoError(t, err)

	// The key lookup alone misses for another sid; simulate a forged copy by
	// issuing under sid2 with sid1's token record hash.
	err = m.Verify(ctx, "sid2", rec.Token)
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeCSRFInvalidToken, ge.Code)
}

func TestManager_ExpiredTokenEvicted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Issue(ctx, "sid1", "", "")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	err = m.Verify(ctx, "sid1", rec.Token)
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeCSRFInvalidToken, ge.Code)
}

func TestManager_AnyIssuedTokenValidates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		rec, err := m.Issue(ctx, "sid1", "", "")
		require.NoError(t, err)
		tokens = append(tokens, rec.Token)
	}

	// Any one of the outstanding tokens validates.
	require.NoError(t, m.Verify(ctx, "sid1", tokens[1]))
}

func TestManager_InvalidateSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 2; i++ {
		rec, err := m.Issue(ctx, "sid1", "", "")
		require.NoError(t, err)
		tokens = append(tokens, rec.Token)
	}

	require.NoError(t, m.InvalidateSession(ctx, "sid1"))

	for _, tok := range tokens {
		err := m.Verify(ctx, "sid1", tok)
		var ge *gateway.Error
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, gateway.CodeCSRFInvalidToken, ge.Code)
	}
}
