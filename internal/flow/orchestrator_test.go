package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/pool"
	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

func testScope() api.TenantScope {
	return api.TenantScope{ClientID: "client-1", EngagementID: "eng-1", UserID: "user-1"}
}

type orchestratorFixture struct {
	orch   *Orchestrator
	stores store.Stores
	sink   *api.ChannelSink

	mu  sync.Mutex
	now time.Time
}

func (fx *orchestratorFixture) Now() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func (fx *orchestratorFixture) advanceClock(d time.Duration) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.now = fx.now.Add(d)
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	fx := &orchestratorFixture{
		stores: store.NewInMemoryStore().Bundle(),
		sink:   api.NewChannelSink(128),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	p := pool.New(pool.Config{MaxPerTenant: 4})
	fx.orch = New(fx.stores, p, Config{
		Events: fx.sink,
		Now:    fx.Now,
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	})
	return fx
}

func (fx *orchestratorFixture) drainEvents() []api.FlowEvent {
	var out []api.FlowEvent
	for {
		select {
		case ev := <-fx.sink.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func passthrough(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
	return input, nil
}

func registerLinearFlow(t *testing.T, o *Orchestrator, name string, phases ...api.PhaseConfig) {
	t.Helper()
	require.NoError(t, o.RegisterFlowType(api.FlowType{Name: name, Phases: phases}))
}

func TestRegisterFlowTypeValidation(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		ft   api.FlowType
	}{
		{"empty name", api.FlowType{Phases: []api.PhaseConfig{{Name: "a", Capability: "c"}}}},
		{"no phases", api.FlowType{Name: "empty"}},
		{"unnamed phase", api.FlowType{Name: "x", Phases: []api.PhaseConfig{{Capability: "c"}}}},
		{"no capability", api.FlowType{Name: "x", Phases: []api.PhaseConfig{{Name: "a"}}}},
		{"duplicate phase", api.FlowType{Name: "x", Phases: []api.PhaseConfig{
			{Name: "a", Capability: "c"}, {Name: "a", Capability: "c"},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, api.IsValidation(fx.orch.RegisterFlowType(tc.ft)))
		})
	}

	registerLinearFlow(t, fx.orch, "dup", api.PhaseConfig{Name: "a", Capability: "c"})
	err := fx.orch.RegisterFlowType(api.FlowType{Name: "dup", Phases: []api.PhaseConfig{{Name: "a", Capability: "c"}}})
	assert.True(t, api.IsValidation(err))
}

func TestStartRunsAllPhasesInOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var order []string
	var orderMu sync.Mutex
	record := func(name string) api.PhaseFunc {
		return func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
			return name, nil
		}
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("first", record("first")))
	require.NoError(t, fx.orch.RegisterPhaseHandler("second", record("second")))
	require.NoError(t, fx.orch.RegisterPhaseHandler("third", record("third")))
	registerLinearFlow(t, fx.orch, "linear",
		api.PhaseConfig{Name: "one", Capability: "first"},
		api.PhaseConfig{Name: "two", Capability: "second"},
		api.PhaseConfig{Name: "three", Capability: "third"},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "linear", map[string]any{"seed": 1})
	require.NoError(t, err)
	assert.Equal(t, api.FlowInitialized, snap.Status)
	assert.Equal(t, "one", snap.CurrentPhase)

	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.InDelta(t, 90.0, snap.Progress, 1e-9)

	// Invariant: every phase before the pointer is flagged complete.
	f, err := fx.stores.Flows.GetFlow(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.CurrentPhase)
	for i, done := range f.Completed {
		assert.True(t, done, "phase %d not flagged complete", i)
	}
}

func TestStartRequiresInitializedStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	_, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)

	_, err = fx.orch.Start(ctx, snap.ID)
	assert.True(t, api.IsValidation(err))
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var attempts int
	var attemptsMu sync.Mutex
	flaky := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		attemptsMu.Lock()
		attempts++
		n := attempts
		attemptsMu.Unlock()
		if n < 3 {
			return nil, api.NewTransientError("ingest", errors.New("connector timeout"))
		}
		return "reconciled", nil
	}

	require.NoError(t, fx.orch.RegisterPhaseHandler("steady", passthrough))
	require.NoError(t, fx.orch.RegisterPhaseHandler("flaky", flaky))
	registerLinearFlow(t, fx.orch, "discovery",
		api.PhaseConfig{Name: "collect", Capability: "steady"},
		api.PhaseConfig{Name: "normalize", Capability: "steady"},
		api.PhaseConfig{Name: "map_fields", Capability: "steady"},
		api.PhaseConfig{Name: "reconcile", Capability: "flaky",
			Retry: &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}},
		api.PhaseConfig{Name: "review", Capability: "steady"},
		api.PhaseConfig{Name: "finalize", Capability: "steady"},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "discovery", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowCompleted, snap.Status)
	assert.Equal(t, 3, attempts)

	history, err := fx.orch.History(ctx, snap.ID)
	require.NoError(t, err)

	var reconcile []api.PhaseExecution
	for _, rec := range history {
		if rec.Phase == "reconcile" {
			reconcile = append(reconcile, rec)
		}
	}
	require.Len(t, reconcile, 3)
	assert.Equal(t, api.PhaseFailed, reconcile[0].Outcome)
	assert.Equal(t, api.PhaseFailed, reconcile[1].Outcome)
	assert.Equal(t, api.PhaseCompleted, reconcile[2].Outcome)
	assert.Equal(t, 1, reconcile[0].Attempt)
	assert.Equal(t, 2, reconcile[1].Attempt)
	assert.Equal(t, 3, reconcile[2].Attempt)
	assert.Contains(t, reconcile[0].Error, "connector timeout")

	// Every other phase completed exactly once, none skipped.
	completedByPhase := make(map[string]int)
	for _, rec := range history {
		if rec.Outcome == api.PhaseCompleted {
			completedByPhase[rec.Phase]++
		}
	}
	for _, name := range []string{"collect", "normalize", "map_fields", "reconcile", "review", "finalize"} {
		assert.Equal(t, 1, completedByPhase[name], "phase %s", name)
	}
}

func TestFatalErrorFailsWithoutRetry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var attempts int
	broken := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		attempts++
		return nil, api.NewFatalError("load", errors.New("schema mismatch"))
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("broken", broken))
	registerLinearFlow(t, fx.orch, "doomed",
		api.PhaseConfig{Name: "load", Capability: "broken",
			Retry: &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "doomed", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, api.FlowFailed, snap.Status)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "load", snap.LastError.Phase)
	assert.Contains(t, snap.LastError.Message, "schema mismatch")

	// The detail carries the classification and the unwrapped cause.
	require.NotNil(t, snap.LastError.Detail)
	assert.Equal(t, "fatal", snap.LastError.Detail["kind"])
	assert.Equal(t, "load", snap.LastError.Detail["op"])
	assert.Equal(t, "schema mismatch", snap.LastError.Detail["cause"])
}

func TestRetryPhaseResumesFailedFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	healed := false
	handler := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		if !healed {
			return nil, api.NewTransientError("sync", errors.New("upstream down"))
		}
		return "ok", nil
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("sync", handler))
	registerLinearFlow(t, fx.orch, "retryable", api.PhaseConfig{Name: "sync", Capability: "sync"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "retryable", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowFailed, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "transient", snap.LastError.Detail["kind"])
	assert.Equal(t, "upstream down", snap.LastError.Detail["cause"])

	_, err = fx.orch.RetryPhase(ctx, snap.ID)
	require.NoError(t, err)
	st, err := fx.orch.GetStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowFailed, st.Status)

	healed = true
	snap, err = fx.orch.RetryPhase(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
	assert.Nil(t, snap.LastError)

	// Attempt numbering continues across retries.
	history, err := fx.orch.History(ctx, snap.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, api.PhaseCompleted, last.Outcome)
	assert.Equal(t, 3, last.Attempt)
}

func TestRetryPhaseRequiresFailedStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	_, err = fx.orch.RetryPhase(ctx, snap.ID)
	assert.True(t, api.IsValidation(err))
}

func TestPausePointParksFlowUntilResume(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var reviewInput any
	review := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		reviewInput = input
		return "reviewed", nil
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("auto", passthrough))
	require.NoError(t, fx.orch.RegisterPhaseHandler("review", review))
	registerLinearFlow(t, fx.orch, "gated",
		api.PhaseConfig{Name: "prepare", Capability: "auto"},
		api.PhaseConfig{Name: "review", Capability: "review", PausePoint: true},
		api.PhaseConfig{Name: "finalize", Capability: "auto"},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "gated", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, api.FlowPausedForInput, snap.Status)
	assert.Equal(t, "review", snap.CurrentPhase)
	assert.InDelta(t, 30.0, snap.Progress, 1e-9)

	snap, err = fx.orch.Resume(ctx, snap.ID, map[string]any{"decision": "approve"})
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)

	payload, ok := reviewInput.(api.ResumePayload)
	require.True(t, ok, "review phase should receive the resume payload")
	assert.Equal(t, map[string]any{"decision": "approve"}, payload.Data)
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	_, err = fx.orch.Resume(ctx, snap.ID, nil)
	assert.True(t, api.IsValidation(err))
}

func TestHandlerPauseForInput(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	asked := false
	handler := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		if _, resuming := input.(api.ResumePayload); !resuming && !asked {
			asked = true
			return nil, api.NewPauseForInputError("ambiguous merge requires operator decision")
		}
		return "done", nil
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("merge", handler))
	registerLinearFlow(t, fx.orch, "interactive", api.PhaseConfig{Name: "merge", Capability: "merge"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "interactive", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowPausedForInput, snap.Status)

	snap, err = fx.orch.Resume(ctx, snap.ID, "keep existing")
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
}

func TestPauseRequestParksAtPhaseBoundary(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "pausable",
		api.PhaseConfig{Name: "one", Capability: "noop"},
		api.PhaseConfig{Name: "two", Capability: "noop"},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "pausable", nil)
	require.NoError(t, err)

	// The request lands before Start, so the loop parks before phase one.
	_, err = fx.orch.Pause(ctx, snap.ID)
	require.NoError(t, err)

	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowPausedForInput, snap.Status)
	assert.Equal(t, "one", snap.CurrentPhase)

	snap, err = fx.orch.Resume(ctx, snap.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
}

func TestCancelBeforeStart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Cancel(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowCancelled, snap.Status)

	_, err = fx.orch.Cancel(ctx, snap.ID)
	assert.True(t, api.IsValidation(err))
	_, err = fx.orch.Start(ctx, snap.ID)
	assert.True(t, api.IsValidation(err))
}

func TestCancelPausedFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "gated",
		api.PhaseConfig{Name: "gate", Capability: "noop", PausePoint: true},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "gated", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowPausedForInput, snap.Status)

	snap, err = fx.orch.Cancel(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowCancelled, snap.Status)

	_, err = fx.orch.Resume(ctx, snap.ID, nil)
	assert.True(t, api.IsValidation(err))
}

func TestAdvanceExternalResult(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "external",
		api.PhaseConfig{Name: "one", Capability: "noop"},
		api.PhaseConfig{Name: "two", Capability: "noop"},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "external", nil)
	require.NoError(t, err)

	// Out of order is rejected.
	_, err = fx.orch.Advance(ctx, snap.ID, api.PhaseResult{Phase: "two"})
	assert.True(t, api.IsValidation(err))

	// Unknown phase is rejected.
	_, err = fx.orch.Advance(ctx, snap.ID, api.PhaseResult{Phase: "nope"})
	assert.True(t, api.IsValidation(err))

	// The first applied result takes the flow out of the initialized state.
	snap, err = fx.orch.Advance(ctx, snap.ID, api.PhaseResult{Phase: "one", Output: "step-1"})
	require.NoError(t, err)
	assert.Equal(t, api.FlowRunning, snap.Status)
	assert.Equal(t, "two", snap.CurrentPhase)
	assert.InDelta(t, 45.0, snap.Progress, 1e-9)

	// Replaying a completed phase is a harmless no-op.
	again, err := fx.orch.Advance(ctx, snap.ID, api.PhaseResult{Phase: "one", Output: "dup"})
	require.NoError(t, err)
	assert.Equal(t, api.FlowRunning, again.Status)
	assert.Equal(t, snap.CurrentPhase, again.CurrentPhase)
	assert.InDelta(t, snap.Progress, again.Progress, 1e-9)

	snap, err = fx.orch.Advance(ctx, snap.ID, api.PhaseResult{Phase: "two"})
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
}

func TestApproveUnlocksFullProgress(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)

	// Approval before completion is rejected.
	_, err = fx.orch.Approve(ctx, snap.ID, "alice")
	assert.True(t, api.IsValidation(err))

	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowCompleted, snap.Status)
	assert.InDelta(t, 90.0, snap.Progress, 1e-9)

	snap, err = fx.orch.Approve(ctx, snap.ID, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Progress, 1e-9)

	// Idempotent.
	snap, err = fx.orch.Approve(ctx, snap.ID, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Progress, 1e-9)
}

func TestValidatorRejectionFailsPhase(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var executions int
	counted := func(ctx context.Context, exec api.Executor, flow *api.FlowInstance, input any) (any, error) {
		executions++
		return input, nil
	}
	require.NoError(t, fx.orch.RegisterPhaseHandler("counted", counted))
	registerLinearFlow(t, fx.orch, "validated",
		api.PhaseConfig{
			Name:       "strict",
			Capability: "counted",
			Retry:      &api.RetryPolicy{MaxAttempts: 3},
			Validators: []api.ValidatorFunc{
				func(flow *api.FlowInstance, input any) error {
					if input == nil {
						return errors.New("payload is required")
					}
					return nil
				},
			},
		},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "validated", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, api.FlowFailed, snap.Status)
	assert.Zero(t, executions, "handler must not run when validation fails")
	require.NotNil(t, snap.LastError)
	assert.Contains(t, snap.LastError.Message, "payload is required")
}

func TestMarkStaleFlagsIdlePausedFlows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "gated",
		api.PhaseConfig{Name: "gate", Capability: "noop", PausePoint: true},
	)

	snap, err := fx.orch.Initialize(ctx, testScope(), "gated", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, api.FlowPausedForInput, snap.Status)

	// Not yet idle long enough.
	n, err := fx.orch.MarkStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	fx.advanceClock(48 * time.Hour)
	n, err = fx.orch.MarkStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := fx.stores.Flows.GetFlow(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, f.Stale)

	// Already flagged flows are not counted again.
	n, err = fx.orch.MarkStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Resume clears the flag.
	_, err = fx.orch.Resume(ctx, snap.ID, nil)
	require.NoError(t, err)
	f, err = fx.stores.Flows.GetFlow(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, f.Stale)
}

func TestRecoverStuckFlows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple",
		api.PhaseConfig{Name: "one", Capability: "noop"},
		api.PhaseConfig{Name: "two", Capability: "noop"},
	)

	// Simulate a crash: a flow persisted as RUNNING with no live loop.
	stuck := &api.FlowInstance{
		ID:           "stuck-1",
		Scope:        testScope(),
		FlowType:     "simple",
		Status:       api.FlowRunning,
		CurrentPhase: 1,
		Completed:    []bool{true, false},
		CreatedAt:    fx.Now(),
		UpdatedAt:    fx.Now(),
	}
	require.NoError(t, fx.stores.Flows.SaveFlow(ctx, stuck))

	n, err := fx.orch.RecoverStuckFlows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := fx.orch.GetStatus(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, api.FlowFailed, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "two", snap.LastError.Phase)

	// The recovered flow is retryable from where it stopped.
	snap, err = fx.orch.RetryPhase(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, api.FlowCompleted, snap.Status)
}

func TestListFlowsFiltersByScopeAndStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	a, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	_, err = fx.orch.Start(ctx, a.ID)
	require.NoError(t, err)

	other := api.TenantScope{ClientID: "client-2", EngagementID: "eng-9"}
	_, err = fx.orch.Initialize(ctx, other, "simple", nil)
	require.NoError(t, err)

	scope := testScope()
	mine, err := fx.orch.ListFlows(ctx, api.FlowListOptions{Scope: &scope})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	initialized, err := fx.orch.ListFlows(ctx, api.FlowListOptions{Status: api.FlowInitialized})
	require.NoError(t, err)
	require.Len(t, initialized, 1)
	assert.Equal(t, other.ClientID, initialized[0].Scope.ClientID)
}

func TestLifecycleEventsPublished(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.orch.RegisterPhaseHandler("noop", passthrough))
	registerLinearFlow(t, fx.orch, "simple", api.PhaseConfig{Name: "only", Capability: "noop"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "simple", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	_, err = fx.orch.Approve(ctx, snap.ID, "alice")
	require.NoError(t, err)

	var types []api.EventType
	for _, ev := range fx.drainEvents() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []api.EventType{
		api.EventFlowInitialized,
		api.EventFlowStarted,
		api.EventPhaseStarted,
		api.EventPhaseCompleted,
		api.EventFlowCompleted,
		api.EventFlowApproved,
	}, types)

	// The durable event history matches what subscribers saw.
	stored, err := fx.stores.Events.ListEvents(ctx, snap.ID)
	require.NoError(t, err)
	assert.Len(t, stored, len(types))
}

func TestMissingHandlerFailsFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	registerLinearFlow(t, fx.orch, "orphan", api.PhaseConfig{Name: "only", Capability: "unregistered"})

	snap, err := fx.orch.Initialize(ctx, testScope(), "orphan", nil)
	require.NoError(t, err)
	snap, err = fx.orch.Start(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, api.FlowFailed, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, snap.LastError.Message, "unregistered")
}

func TestInitializeUnknownFlowType(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.Initialize(context.Background(), testScope(), "ghost", nil)
	assert.True(t, api.IsValidation(err))

	_, err = fx.orch.Initialize(context.Background(), api.TenantScope{}, "ghost", nil)
	assert.True(t, api.IsValidation(err))
}

func TestBackoffDelay(t *testing.T) {
	p := api.RetryPolicy{InitialBackoff: 100 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 1))
	assert.Equal(t, 300*time.Millisecond, backoffDelay(p, 2))
	assert.Equal(t, time.Duration(0), backoffDelay(api.RetryPolicy{}, 3))
}
