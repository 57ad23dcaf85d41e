package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

func testScope() api.TenantScope {
	return api.TenantScope{ClientID: "client-a", EngagementID: "eng-1", UserID: "user-1"}
}

func newTestRepo(t *testing.T, cfg Config) (*Repository, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return NewRepository(st, cfg), st
}

func seedPattern(t *testing.T, st *store.InMemoryStore, p *api.MappingPattern) {
	t.Helper()
	if err := st.SavePattern(context.Background(), p); err != nil {
		t.Fatalf("seed pattern: %v", err)
	}
}

func TestConfidenceEvolutionDiminishingSteps(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID:            "p1",
		Scope:         api.ScopeTenant,
		ClientID:      "client-a",
		SourcePattern: "hostname",
		TargetField:   "name",
		Confidence:    0.50,
		Active:        true,
	})

	// Each outcome counts toward usage before the adjustment is computed,
	// so consecutive outcomes move confidence by shrinking amounts.
	steps := []struct {
		success bool
		want    float64
	}{
		{true, 0.50 + 0.05/1.1},
		{true, 0.50 + 0.05/1.1 + 0.05/1.2},
		{false, 0.50 + 0.05/1.1 + 0.05/1.2 - 0.10/1.3},
	}
	for i, s := range steps {
		got, err := repo.EvolveConfidence(ctx, "p1", s.success, nil)
		require.NoError(t, err)
		assert.InDelta(t, s.want, got, 1e-9, "step %d", i)
	}

	p, err := st.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Usage)
	assert.Equal(t, 2, p.Successes)
	assert.Equal(t, 1, p.Failures)
	assert.False(t, p.LastUsed.IsZero())
}

func TestConfidenceClampedToBounds(t *testing.T) {
	repo, st := newTestRepo(t, Config{MinConfidence: 0.05, MaxConfidence: 0.99})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "hi", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "a", TargetField: "b", Confidence: 0.985, Active: true,
	})
	seedPattern(t, st, &api.MappingPattern{
		ID: "lo", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "c", TargetField: "d", Confidence: 0.06, Active: true,
	})

	got, err := repo.EvolveConfidence(ctx, "hi", true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.99, got)

	got, err = repo.EvolveConfidence(ctx, "lo", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.05, got)
}

func TestFeedbackScalesAdjustment(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "p1", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "a", TargetField: "b", Confidence: 0.50, Active: true,
	})

	half := 0.5
	got, err := repo.EvolveConfidence(ctx, "p1", true, &half)
	require.NoError(t, err)
	assert.InDelta(t, 0.50+0.5*0.05/1.1, got, 1e-9)
}

func TestEvolveInactivePatternRejected(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "p1", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "a", TargetField: "b", Confidence: 0.50, Active: false,
	})

	_, err := repo.EvolveConfidence(ctx, "p1", true, nil)
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestApplyPatternsRankingAndThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo, st := newTestRepo(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	// Two candidates for the same field: the global one has higher raw
	// confidence but is long unused, so the fresher tenant pattern wins.
	seedPattern(t, st, &api.MappingPattern{
		ID: "global-old", Scope: api.ScopeGlobal,
		SourcePattern: "host_name", TargetField: "name",
		Confidence: 0.95, LastUsed: now.Add(-360 * 24 * time.Hour), Active: true,
	})
	seedPattern(t, st, &api.MappingPattern{
		ID: "tenant-fresh", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "host_name", TargetField: "hostname",
		Confidence: 0.80, LastUsed: now.Add(-24 * time.Hour), Active: true,
	})
	// Below threshold even when fresh.
	seedPattern(t, st, &api.MappingPattern{
		ID: "weak", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "serial_no", TargetField: "serial_number",
		Confidence: 0.30, LastUsed: now, Active: true,
	})
	// Deactivated patterns never match.
	seedPattern(t, st, &api.MappingPattern{
		ID: "retired", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "ip_addr", TargetField: "ip_address",
		Confidence: 0.90, LastUsed: now, Active: false,
	})

	got, err := repo.ApplyPatterns(ctx, testScope(), []string{"Host Name", "serial_no", "ip_addr", "unknown_field"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Host Name", got[0].SourceField)
	assert.Equal(t, "hostname", got[0].TargetField)
	assert.Equal(t, "tenant-fresh", got[0].PatternID)
	assert.Greater(t, got[0].Confidence, 0.6)
}

func TestApplyPatternsTenantIsolation(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "other-tenant", Scope: api.ScopeTenant, ClientID: "client-b",
		SourcePattern: "hostname", TargetField: "name",
		Confidence: 0.95, Active: true,
	})

	got, err := repo.ApplyPatterns(ctx, testScope(), []string{"hostname"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLearnCreatesOnFirstSuccess(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()
	scope := testScope()

	err := repo.Learn(ctx, scope, api.Mapping{
		SourceField: "Host Name", TargetField: "hostname", Example: "web-01",
	}, api.Outcome{Success: true})
	require.NoError(t, err)

	p, err := st.FindPattern(ctx, scope, api.ScopeTenant, "host_name", "hostname")
	require.NoError(t, err)
	assert.Equal(t, "client-a", p.ClientID)
	assert.Equal(t, 1, p.Usage)
	assert.Equal(t, 1, p.Successes)
	assert.InDelta(t, 0.5+0.05/1.1, p.Confidence, 1e-9)
	assert.Equal(t, []string{"web-01"}, p.Examples)
	assert.True(t, p.Active)
}

func TestLearnRejectionWithoutPatternIsNoop(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()
	scope := testScope()

	err := repo.Learn(ctx, scope, api.Mapping{
		SourceField: "srv_name", TargetField: "hostname",
	}, api.Outcome{Success: false})
	require.NoError(t, err)

	_, err = st.FindPattern(ctx, scope, api.ScopeTenant, "srv_name", "hostname")
	assert.ErrorIs(t, err, store.ErrPatternNotFound)
}

func TestLearnEvolvesExistingPattern(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()
	scope := testScope()

	seedPattern(t, st, &api.MappingPattern{
		ID: "p1", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "host_name", TargetField: "hostname",
		Confidence: 0.60, Usage: 4, Active: true,
	})

	err := repo.Learn(ctx, scope, api.Mapping{
		SourceField: "host_name", TargetField: "hostname", Example: "db-02",
	}, api.Outcome{Success: false})
	require.NoError(t, err)

	p, err := st.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Usage)
	assert.Equal(t, 1, p.Failures)
	assert.InDelta(t, 0.60-0.10/1.5, p.Confidence, 1e-9)
	assert.Contains(t, p.Examples, "db-02")
}

func TestLearnMissingFieldsRejected(t *testing.T) {
	repo, _ := newTestRepo(t, Config{})
	err := repo.Learn(context.Background(), testScope(), api.Mapping{}, api.Outcome{Success: true})
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestPromoteToGlobal(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "p1", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "host_name", TargetField: "hostname",
		Confidence: 0.85, Examples: []string{"acme-web-01", "acme-db-02"}, Active: true,
	})

	// No opt-in yet.
	err := repo.PromoteToGlobal(ctx, "p1", HashAnonymizer)
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))

	// Nil policy is always rejected.
	repo.OptInSharing("client-a", true)
	err = repo.PromoteToGlobal(ctx, "p1", nil)
	require.Error(t, err)

	err = repo.PromoteToGlobal(ctx, "p1", HashAnonymizer)
	require.NoError(t, err)

	p, err := st.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, api.ScopeGlobal, p.Scope)
	assert.Empty(t, p.ClientID)
	assert.Empty(t, p.EngagementID)
	require.Len(t, p.Examples, 2)
	for _, ex := range p.Examples {
		assert.NotContains(t, ex, "acme")
	}

	// A pattern already global is a no-op, not an error.
	require.NoError(t, repo.PromoteToGlobal(ctx, "p1", HashAnonymizer))
}

func TestDeactivate(t *testing.T) {
	repo, st := newTestRepo(t, Config{})
	ctx := context.Background()

	seedPattern(t, st, &api.MappingPattern{
		ID: "p1", Scope: api.ScopeTenant, ClientID: "client-a",
		SourcePattern: "a", TargetField: "b", Confidence: 0.7, Active: true,
	})
	require.NoError(t, repo.Deactivate(ctx, "p1"))

	p, err := st.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Active)
}
