// Package pool implements the tenant-scoped executor pool: stateful task
// executors keyed by (tenant, capability), constructed once, reused warm,
// and hibernated when idle.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/convergehq/converge/pkg/api"
)

// Config tunes the pool. Zero values fall back to the defaults below.
type Config struct {
	// MaxPerTenant bounds the number of concurrently leased executors per
	// tenant. Defaults to 4.
	MaxPerTenant int

	// AcquireTimeout bounds how long Acquire waits when the tenant's lease
	// bound is saturated. Defaults to 5s.
	AcquireTimeout time.Duration

	// Reconciler and Patterns are handed to every executor; phase work
	// reaches them through the api.Executor accessors.
	Reconciler api.Reconciler
	Patterns   api.PatternRepo

	// Warmup, when set, preloads tenant context (patterns, asset caches)
	// into external caches before a newly constructed executor is first
	// returned. Construction per key is serialized, so Warmup runs at most
	// once per cold (tenant, capability) pair.
	Warmup func(ctx context.Context, scope api.TenantScope, capability string) error

	Logger *slog.Logger

	// Now is overridable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// executor is the pooled api.Executor implementation. One executor exists
// per warm (tenant, capability) pair and may be leased concurrently up to
// the tenant's bound.
type executor struct {
	tenantKey  string
	capability string
	recon      api.Reconciler
	patterns   api.PatternRepo
}

func (e *executor) TenantKey() string          { return e.tenantKey }
func (e *executor) Capability() string         { return e.capability }
func (e *executor) Reconciler() api.Reconciler { return e.recon }
func (e *executor) Patterns() api.PatternRepo  { return e.patterns }

// entry tracks one warm executor's lease count and idle time.
type entry struct {
	exec     *executor
	leases   int
	lastUsed time.Time
}

// Pool implements api.ExecutorPool. It is an explicit registry owned by the
// service that constructs it; there is no package-level pool state.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry        // (tenantKey, capability) -> warm executor
	leases  map[string]chan struct{} // tenantKey -> lease tokens

	build singleflight.Group
}

var _ api.ExecutorPool = (*Pool)(nil)

// New creates an executor pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		leases:  make(map[string]chan struct{}),
	}
}

func entryKey(tenantKey, capability string) string {
	return tenantKey + "\x00" + capability
}

// Acquire returns the warm executor for (scope tenant, capability),
// constructing and warming it on first use. It blocks up to the acquire
// timeout when the tenant's lease bound is saturated.
func (p *Pool) Acquire(ctx context.Context, scope api.TenantScope, capability string) (api.Executor, error) {
	if scope.ClientID == "" {
		return nil, api.NewValidationError("pool.Acquire", "tenant scope is required")
	}
	if capability == "" {
		return nil, api.NewValidationError("pool.Acquire", "capability is required")
	}
	tenantKey := scope.Key()

	if err := p.takeLease(ctx, tenantKey); err != nil {
		return nil, err
	}

	exec, err := p.warmExecutor(ctx, scope, capability)
	if err != nil {
		p.returnLease(tenantKey)
		return nil, err
	}
	if exec.TenantKey() != tenantKey {
		p.returnLease(tenantKey)
		return nil, api.NewTenantIsolationError(tenantKey, exec.TenantKey())
	}
	return exec, nil
}

func (p *Pool) takeLease(ctx context.Context, tenantKey string) error {
	p.mu.Lock()
	tokens, ok := p.leases[tenantKey]
	if !ok {
		tokens = make(chan struct{}, p.cfg.MaxPerTenant)
		p.leases[tenantKey] = tokens
	}
	p.mu.Unlock()

	select {
	case tokens <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return api.NewTransientError("pool.Acquire", ctx.Err())
	case <-timer.C:
		return api.NewTransientError("pool.Acquire",
			errors.New("tenant executor bound reached: "+tenantKey))
	}
}

func (p *Pool) returnLease(tenantKey string) {
	p.mu.Lock()
	tokens := p.leases[tenantKey]
	p.mu.Unlock()
	if tokens == nil {
		return
	}
	select {
	case <-tokens:
	default:
	}
}

// warmExecutor returns the entry for the key, constructing it under a
// singleflight group so a cold (tenant, capability) pair is warmed exactly
// once even under concurrent acquisition.
func (p *Pool) warmExecutor(ctx context.Context, scope api.TenantScope, capability string) (*executor, error) {
	key := entryKey(scope.Key(), capability)
	now := p.cfg.Now()

	p.mu.Lock()
	if ent, ok := p.entries[key]; ok {
		ent.leases++
		ent.lastUsed = now
		p.mu.Unlock()
		return ent.exec, nil
	}
	p.mu.Unlock()

	v, err, _ := p.build.Do(key, func() (any, error) {
		if p.cfg.Warmup != nil {
			if err := p.cfg.Warmup(ctx, scope, capability); err != nil {
				return nil, err
			}
		}
		exec := &executor{
			tenantKey:  scope.Key(),
			capability: capability,
			recon:      p.cfg.Reconciler,
			patterns:   p.cfg.Patterns,
		}
		p.cfg.Logger.Debug("executor_warmed",
			slog.String("tenant", exec.tenantKey),
			slog.String("capability", capability),
		)
		return exec, nil
	})
	if err != nil {
		return nil, err
	}
	exec := v.(*executor)

	p.mu.Lock()
	ent, ok := p.entries[key]
	if !ok {
		ent = &entry{exec: exec}
		p.entries[key] = ent
	}
	ent.leases++
	ent.lastUsed = now
	p.mu.Unlock()
	return ent.exec, nil
}

// Release returns a leased executor to the pool. The executor must have
// been acquired from this pool under the tenant key it still carries.
func (p *Pool) Release(exec api.Executor) error {
	e, ok := exec.(*executor)
	if !ok {
		return api.NewValidationError("pool.Release", "executor does not belong to this pool")
	}
	key := entryKey(e.tenantKey, e.capability)

	p.mu.Lock()
	ent, ok := p.entries[key]
	if !ok || ent.exec != e || ent.leases == 0 {
		p.mu.Unlock()
		return api.NewValidationError("pool.Release", "executor is not leased from this pool")
	}
	ent.leases--
	ent.lastUsed = p.cfg.Now()
	p.mu.Unlock()

	p.returnLease(e.tenantKey)
	return nil
}

// EvictIdle hibernates executors with no active lease that have been idle
// for longer than ttl. The tenant's persisted data is untouched; the next
// acquisition reconstructs and rewarms the executor.
func (p *Pool) EvictIdle(ttl time.Duration) int {
	cutoff := p.cfg.Now().Add(-ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for key, ent := range p.entries {
		if ent.leases > 0 || ent.lastUsed.After(cutoff) {
			continue
		}
		delete(p.entries, key)
		evicted++
		p.cfg.Logger.Debug("executor_hibernated",
			slog.String("tenant", ent.exec.tenantKey),
			slog.String("capability", ent.exec.capability),
		)
	}
	return evicted
}

// Warm reports the number of warm (tenant, capability) entries.
func (p *Pool) Warm() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
