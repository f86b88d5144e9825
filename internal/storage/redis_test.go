package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maneesh/edushare/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisWithMiniredis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc, mr
}

func TestRedis_ResourceCache(t *testing.T) {
	rc, mr := newRedisWithMiniredis(t)
	ctx := context.Background()

	miss, err := rc.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	res := &models.Resource{ID: "r1", DisplayName: "a.pdf", AuditStatus: models.AuditApproved, Downloads: 3}
	require.NoError(t, rc.SetResource(ctx, res))
	assert.Equal(t, CacheTTL, mr.TTL("resource:r1"))

	hit, err := rc.GetResource(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "a.pdf", hit.DisplayName)
	assert.Equal(t, int64(3), hit.Downloads)

	require.NoError(t, rc.InvalidateResource(ctx, "r1"))
	assert.False(t, mr.Exists("resource:r1"))
}

func TestRedis_CacheExpiry(t *testing.T) {
	rc, mr := newRedisWithMiniredis(t)
	ctx := context.Background()

	require.NoError(t, rc.SetResource(ctx, &models.Resource{ID: "r1"}))
	mr.FastForward(CacheTTL + time.Second)

	miss, err := rc.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestRedis_TryLock(t *testing.T) {
	rc, mr := newRedisWithMiniredis(t)
	ctx := context.Background()

	unlock, ok, err := rc.TryLock(ctx, "upload:assemble:t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = rc.TryLock(ctx, "upload:assemble:t1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("lock:upload:assemble:t1"))

	_, ok, err = rc.TryLock(ctx, "upload:assemble:t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_TryLockExpiredHolderCannotRelease(t *testing.T) {
	rc, mr := newRedisWithMiniredis(t)
	ctx := context.Background()

	staleUnlock, ok, err := rc.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = rc.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))
	assert.True(t, mr.Exists("lock:k"))
}
