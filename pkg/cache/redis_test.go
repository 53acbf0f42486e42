package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	rc, err := New(context.Background(), Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestJSONRoundTrip(t *testing.T) {
	r := require.New(t)
	rc, _ := newCache(t)
	ctx := context.Background()

	var got map[string]string
	found, err := rc.GetJSON(ctx, "missing", &got)
	r.NoError(err)
	r.False(found)

	r.NoError(rc.SetJSON(ctx, "market", map[string]string{"mark": "2.5"}, time.Minute))
	found, err = rc.GetJSON(ctx, "market", &got)
	r.NoError(err)
	r.True(found)
	r.Equal("2.5", got["mark"])
}

func TestLeaseIsExclusive(t *testing.T) {
	r := require.New(t)
	rc, mr := newCache(t)
	ctx := context.Background()

	lease, err := rc.AcquireLease(ctx, "engine:ETH-USD", "node-a", 30*time.Second)
	r.NoError(err)

	_, err = rc.AcquireLease(ctx, "engine:ETH-USD", "node-b", 30*time.Second)
	r.ErrorIs(err, ErrLeaseHeld)

	r.NoError(lease.Refresh(ctx))
	r.Equal(30*time.Second, mr.TTL("engine:ETH-USD"))

	r.NoError(lease.Release(ctx))
	r.False(mr.Exists("engine:ETH-USD"))

	other, err := rc.AcquireLease(ctx, "engine:ETH-USD", "node-b", 30*time.Second)
	r.NoError(err)

	// 旧持有者不能续期或释放别人的租约
	r.ErrorIs(lease.Refresh(ctx), ErrLeaseHeld)
	r.NoError(lease.Release(ctx))
	r.True(mr.Exists("engine:ETH-USD"))
	r.NoError(other.Release(ctx))
}

func TestLeaseExpires(t *testing.T) {
	r := require.New(t)
	rc, mr := newCache(t)
	ctx := context.Background()

	_, err := rc.AcquireLease(ctx, "engine:BTC-USD", "node-a", time.Second)
	r.NoError(err)
	mr.FastForward(2 * time.Second)

	_, err = rc.AcquireLease(ctx, "engine:BTC-USD", "node-b", time.Second)
	r.NoError(err)
}
