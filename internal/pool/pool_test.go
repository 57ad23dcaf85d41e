package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/api"
)

func poolScope(client string) api.TenantScope {
	return api.TenantScope{ClientID: client, EngagementID: "eng-1", UserID: "user-1"}
}

func TestAcquireWarmsOnceAndReuses(t *testing.T) {
	var warmups atomic.Int32
	p := New(Config{
		Warmup: func(ctx context.Context, scope api.TenantScope, capability string) error {
			warmups.Add(1)
			return nil
		},
	})
	ctx := context.Background()

	first, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	assert.Equal(t, "client-a/eng-1", first.TenantKey())
	assert.Equal(t, "discovery", first.Capability())

	second, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), warmups.Load())
	assert.Equal(t, 1, p.Warm())

	require.NoError(t, p.Release(first))
	require.NoError(t, p.Release(second))
}

func TestConcurrentAcquireConstructsOnce(t *testing.T) {
	var warmups atomic.Int32
	p := New(Config{
		MaxPerTenant: 16,
		Warmup: func(ctx context.Context, scope api.TenantScope, capability string) error {
			warmups.Add(1)
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	execs := make([]api.Executor, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			execs[i] = exec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), warmups.Load())
	for _, exec := range execs {
		require.NotNil(t, exec)
		assert.Same(t, execs[0], exec)
		require.NoError(t, p.Release(exec))
	}
}

func TestTenantIsolation(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	a, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, poolScope("client-b"), "discovery")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "client-a/eng-1", a.TenantKey())
	assert.Equal(t, "client-b/eng-1", b.TenantKey())
}

func TestCapabilitiesGetDistinctExecutors(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	disc, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	enrich, err := p.Acquire(ctx, poolScope("client-a"), "enrichment")
	require.NoError(t, err)

	assert.NotSame(t, disc, enrich)
	assert.Equal(t, 2, p.Warm())
}

func TestAcquireBlocksAtTenantBound(t *testing.T) {
	p := New(Config{MaxPerTenant: 1, AcquireTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	held, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)

	// The bound is per tenant, not per capability.
	_, err = p.Acquire(ctx, poolScope("client-a"), "enrichment")
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))

	// Another tenant is unaffected.
	other, err := p.Acquire(ctx, poolScope("client-b"), "discovery")
	require.NoError(t, err)
	require.NoError(t, p.Release(other))

	require.NoError(t, p.Release(held))
	again, err := p.Acquire(ctx, poolScope("client-a"), "enrichment")
	require.NoError(t, err)
	require.NoError(t, p.Release(again))
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	p := New(Config{MaxPerTenant: 1, AcquireTimeout: time.Minute})
	held, err := p.Acquire(context.Background(), poolScope("client-a"), "discovery")
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))
}

type foreignExecutor struct{}

func (foreignExecutor) TenantKey() string          { return "x/y" }
func (foreignExecutor) Capability() string         { return "z" }
func (foreignExecutor) Reconciler() api.Reconciler { return nil }
func (foreignExecutor) Patterns() api.PatternRepo  { return nil }

func TestReleaseValidation(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	err := p.Release(foreignExecutor{})
	assert.True(t, api.IsValidation(err))

	exec, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	require.NoError(t, p.Release(exec))
	err = p.Release(exec)
	assert.True(t, api.IsValidation(err), "double release not rejected")
}

func TestEvictIdle(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	p := New(Config{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}})
	ctx := context.Background()

	exec, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)

	// A leased executor survives eviction.
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.Equal(t, 0, p.EvictIdle(30*time.Minute))

	require.NoError(t, p.Release(exec))
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.Equal(t, 1, p.EvictIdle(30*time.Minute))
	assert.Equal(t, 0, p.Warm())

	// The next acquisition rewarms from scratch.
	again, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	assert.NotSame(t, exec, again)
}

func TestWarmupFailureReleasesLease(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := New(Config{
		MaxPerTenant: 1,
		Warmup: func(ctx context.Context, scope api.TenantScope, capability string) error {
			if fail.Load() {
				return errors.New("pattern store unavailable")
			}
			return nil
		},
	})
	ctx := context.Background()

	_, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.Error(t, err)

	// The failed acquisition must not consume the tenant's only lease.
	fail.Store(false)
	exec, err := p.Acquire(ctx, poolScope("client-a"), "discovery")
	require.NoError(t, err)
	require.NoError(t, p.Release(exec))
}

func TestAcquireValidation(t *testing.T) {
	p := New(Config{})
	_, err := p.Acquire(context.Background(), api.TenantScope{}, "discovery")
	assert.True(t, api.IsValidation(err))
	_, err = p.Acquire(context.Background(), poolScope("client-a"), "")
	assert.True(t, api.IsValidation(err))
}
