package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/campaign-engine/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, cfg Config) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name(), "test:", &redis.Options{Addrs: []string{mr.Addr()}, MaxRetries: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Forget(t.Name()) })
	return NewGuard(adapter, cfg), mr
}

func TestGuard_AcquireAndDeliver(t *testing.T) {
	ctx := context.Background()
	g, mr := newGuard(t, DefaultConfig())

	c, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Attempts)
	assert.True(t, mr.Exists("test:dispatch:lock:camp-1:cust-1"))

	_, err = g.Acquire(ctx, "camp-1", "cust-1")
	assert.ErrorIs(t, err, ErrInFlight)

	g.Delivered(ctx, c)
	assert.False(t, mr.Exists("test:dispatch:lock:camp-1:cust-1"))

	delivered, err := g.IsDelivered(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	assert.True(t, delivered)

	_, err = g.Acquire(ctx, "camp-1", "cust-1")
	assert.ErrorIs(t, err, ErrAlreadyDelivered)

	// other campaigns are unaffected
	other, err := g.Acquire(ctx, "camp-2", "cust-1")
	require.NoError(t, err)
	g.Release(ctx, other)
}

func TestGuard_RetryLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	g, _ := newGuard(t, cfg)

	for i := 0; i < 2; i++ {
		c, err := g.Acquire(ctx, "camp-1", "cust-1")
		require.NoError(t, err)
		assert.Equal(t, i, c.Attempts)
		g.Failed(ctx, c, "gmail returned 500")
	}

	n, err := g.Attempts(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = g.Acquire(ctx, "camp-1", "cust-1")
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestGuard_DeliveredClearsAttempts(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig())

	c, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	g.Failed(ctx, c, "timeout")

	c, err = g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	g.Delivered(ctx, c)

	n, err := g.Attempts(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGuard_LockExpires(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LockTTL = time.Second
	g, mr := newGuard(t, cfg)

	_, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = g.Acquire(ctx, "camp-1", "cust-1")
	assert.NoError(t, err)
}

func TestGuard_ReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LockTTL = time.Second
	g, mr := newGuard(t, cfg)

	stale, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)

	g.Release(ctx, stale)
	assert.True(t, mr.Exists("test:dispatch:lock:camp-1:cust-1"))

	g.Release(ctx, fresh)
	assert.False(t, mr.Exists("test:dispatch:lock:camp-1:cust-1"))
}

func TestGuard_FailsOpen(t *testing.T) {
	ctx := context.Background()
	g, mr := newGuard(t, DefaultConfig())
	mr.Close()

	c, err := g.Acquire(ctx, "camp-1", "cust-1")
	require.NoError(t, err)
	require.NotNil(t, c)

	g.Failed(ctx, c, "boom")
	g.Delivered(ctx, c)
	g.Release(ctx, nil)
}
