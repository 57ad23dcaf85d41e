// Package flow implements the orchestrator: the phase-based state machine
// that drives a flow instance through its flow type's fixed phase sequence
// with pause, resume, retry and cancel control.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

// Config tunes the orchestrator. Zero values fall back to the defaults
// below.
type Config struct {
	// DefaultRetry applies to phases without an explicit retry policy.
	DefaultRetry api.RetryPolicy

	Observer api.Observer
	Events   api.EventSink
	Logger   *slog.Logger

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.DefaultRetry.MaxAttempts <= 0 {
		c.DefaultRetry = api.RetryPolicy{MaxAttempts: 1}
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Events == nil {
		c.Events = api.NoopSink{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator implements api.Orchestrator over a FlowStore and an executor
// pool. All state lives on the instance; there are no package-level
// registries.
type Orchestrator struct {
	stores store.Stores
	pool   api.ExecutorPool
	cfg    Config

	mu        sync.RWMutex
	flowTypes map[string]api.FlowType
	handlers  map[string]api.PhaseFunc

	flowLocks flowLocks
}

var _ api.Orchestrator = (*Orchestrator)(nil)

// New creates an orchestrator.
func New(stores store.Stores, pool api.ExecutorPool, cfg Config) *Orchestrator {
	return &Orchestrator{
		stores:    stores,
		pool:      pool,
		cfg:       cfg.withDefaults(),
		flowTypes: make(map[string]api.FlowType),
		handlers:  make(map[string]api.PhaseFunc),
		flowLocks: flowLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// RegisterFlowType declares a flow type. The phase list registered here is
// the sole source of truth for phase order; registering the same name twice
// is an error.
func (o *Orchestrator) RegisterFlowType(ft api.FlowType) error {
	if ft.Name == "" {
		return api.NewValidationError("flow.RegisterFlowType", "flow type name is required")
	}
	if len(ft.Phases) == 0 {
		return api.NewValidationError("flow.RegisterFlowType", "flow type %q has no phases", ft.Name)
	}
	seen := make(map[string]bool, len(ft.Phases))
	for _, p := range ft.Phases {
		if p.Name == "" {
			return api.NewValidationError("flow.RegisterFlowType", "flow type %q has an unnamed phase", ft.Name)
		}
		if p.Capability == "" {
			return api.NewValidationError("flow.RegisterFlowType", "phase %q has no capability", p.Name)
		}
		if seen[p.Name] {
			return api.NewValidationError("flow.RegisterFlowType", "duplicate phase %q in flow type %q", p.Name, ft.Name)
		}
		seen[p.Name] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.flowTypes[ft.Name]; ok {
		return api.NewValidationError("flow.RegisterFlowType", "flow type %q already registered", ft.Name)
	}
	o.flowTypes[ft.Name] = ft
	return nil
}

// RegisterPhaseHandler binds a capability to its handler.
func (o *Orchestrator) RegisterPhaseHandler(capability string, fn api.PhaseFunc) error {
	if capability == "" {
		return api.NewValidationError("flow.RegisterPhaseHandler", "capability is required")
	}
	if fn == nil {
		return api.NewValidationError("flow.RegisterPhaseHandler", "handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.handlers[capability]; ok {
		return api.NewValidationError("flow.RegisterPhaseHandler", "capability %q already registered", capability)
	}
	o.handlers[capability] = fn
	return nil
}

func (o *Orchestrator) flowType(name string) (api.FlowType, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ft, ok := o.flowTypes[name]
	return ft, ok
}

func (o *Orchestrator) handler(capability string) (api.PhaseFunc, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fn, ok := o.handlers[capability]
	return fn, ok
}

// Initialize creates a flow instance without running any phase.
func (o *Orchestrator) Initialize(ctx context.Context, scope api.TenantScope, flowType string, payload any) (*api.FlowSnapshot, error) {
	if scope.ClientID == "" {
		return nil, api.NewValidationError("flow.Initialize", "tenant scope is required")
	}
	ft, ok := o.flowType(flowType)
	if !ok {
		return nil, api.NewValidationError("flow.Initialize", "unknown flow type %q", flowType)
	}

	now := o.cfg.Now()
	f := &api.FlowInstance{
		ID:        uuid.NewString(),
		Scope:     scope,
		FlowType:  flowType,
		Status:    api.FlowInitialized,
		Completed: make([]bool, len(ft.Phases)),
		State:     payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.stores.Flows.SaveFlow(ctx, f); err != nil {
		return nil, err
	}
	o.publish(ctx, f, api.EventFlowInitialized, "", "")
	return o.snapshot(f, ft), nil
}

// Start executes phases in order until the flow completes, fails, pauses
// for input, or is cancelled. The outcome is reported through the returned
// snapshot; a non-nil error indicates an infrastructure problem, not a
// phase failure.
func (o *Orchestrator) Start(ctx context.Context, flowID string) (*api.FlowSnapshot, error) {
	unlock := o.flowLocks.lock(flowID)
	defer unlock()

	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f.Status != api.FlowInitialized {
		return nil, api.NewValidationError("flow.Start", "flow %s is %s, not %s", flowID, f.Status, api.FlowInitialized)
	}

	f.Status = api.FlowRunning
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.cfg.Observer.OnFlowStart(ctx, f)
	o.publish(ctx, f, api.EventFlowStarted, "", "")

	return o.run(ctx, f, f.State)
}

// run is the phase scheduling loop. Cooperative pause and cancel flags are
// re-read from the store at every phase boundary.
func (o *Orchestrator) run(ctx context.Context, f *api.FlowInstance, input any) (*api.FlowSnapshot, error) {
	ft, ok := o.flowType(f.FlowType)
	if !ok {
		return nil, api.NewValidationError("flow.run", "unknown flow type %q", f.FlowType)
	}

	for f.CurrentPhase < len(ft.Phases) {
		fresh, err := o.stores.Flows.GetFlow(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		f.PauseRequested = fresh.PauseRequested
		f.CancelRequested = fresh.CancelRequested

		phase := ft.Phases[f.CurrentPhase]
		if f.CancelRequested {
			return o.markCancelled(ctx, f, ft)
		}
		if f.PauseRequested {
			return o.markPaused(ctx, f, ft, phase.Name, "pause requested")
		}
		if phase.PausePoint {
			if _, resuming := input.(api.ResumePayload); !resuming {
				return o.markPaused(ctx, f, ft, phase.Name, "awaiting user input")
			}
		}

		output, err := o.executePhase(ctx, f, phase, input)
		if reason, paused := api.IsPauseForInputError(err); paused {
			return o.markPaused(ctx, f, ft, phase.Name, reason)
		}
		if err != nil {
			return o.markFailed(ctx, f, ft, phase.Name, err)
		}
		if err := o.commitAdvance(ctx, f, ft, output); err != nil {
			return nil, err
		}
		input = output
	}
	return o.markCompleted(ctx, f, ft)
}

// executePhase runs one phase with its retry policy. It returns the phase
// output on success, a pause error when the handler parked the flow, or the
// final attempt's error once retries are exhausted. Failed attempts are
// recorded in the execution history as they happen.
func (o *Orchestrator) executePhase(ctx context.Context, f *api.FlowInstance, phase api.PhaseConfig, input any) (any, error) {
	for _, v := range phase.Validators {
		if err := v(f, input); err != nil {
			return nil, api.NewValidationError("flow.phase."+phase.Name, "%v", err)
		}
	}
	if phase.PreHook != nil {
		if err := phase.PreHook(ctx, f); err != nil {
			return nil, fmt.Errorf("pre hook for phase %s: %w", phase.Name, err)
		}
	}

	_, ok := o.handler(phase.Capability)
	if !ok {
		return nil, api.NewFatalError("flow.phase."+phase.Name,
			fmt.Errorf("no handler registered for capability %q", phase.Capability))
	}

	policy := o.cfg.DefaultRetry
	if phase.Retry != nil {
		policy = *phase.Retry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	prior, err := o.attemptCount(ctx, f.ID, phase.Name)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < policy.MaxAttempts; i++ {
		attempt := prior + i + 1
		output, herr := o.runAttempt(ctx, f, phase, input, attempt)
		if _, paused := api.IsPauseForInputError(herr); paused {
			return nil, herr
		}
		if herr == nil {
			if phase.PostHook != nil {
				if err := phase.PostHook(ctx, f); err != nil {
					return nil, fmt.Errorf("post hook for phase %s: %w", phase.Name, err)
				}
			}
			return output, nil
		}
		lastErr = herr

		if api.IsValidation(herr) || api.IsFatal(herr) || api.IsTenantIsolation(herr) {
			break
		}
		if i+1 < policy.MaxAttempts {
			if err := o.cfg.Sleep(ctx, backoffDelay(policy, i)); err != nil {
				break
			}
		}
	}
	return nil, lastErr
}

// runAttempt performs a single phase attempt: acquire an executor, invoke
// the handler under the phase timeout, release, and record the outcome.
func (o *Orchestrator) runAttempt(ctx context.Context, f *api.FlowInstance, phase api.PhaseConfig, input any, attempt int) (any, error) {
	started := o.cfg.Now()
	o.cfg.Observer.OnPhaseStart(ctx, f, phase.Name, attempt)
	o.publish(ctx, f, api.EventPhaseStarted, phase.Name, "")

	exec, err := o.pool.Acquire(ctx, f.Scope, phase.Capability)
	if err != nil {
		o.recordAttempt(ctx, f, phase.Name, attempt, api.PhaseFailed, err, started)
		o.cfg.Observer.OnPhaseCompleted(ctx, f, phase.Name, attempt, err, o.cfg.Now().Sub(started))
		return nil, err
	}

	handler, _ := o.handler(phase.Capability)
	pctx := ctx
	var cancel context.CancelFunc
	if phase.Timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, phase.Timeout)
	}
	output, herr := handler(pctx, exec, f, input)
	if cancel != nil {
		if herr != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			herr = api.NewTransientError("flow.phase."+phase.Name, herr)
		}
		cancel()
	}
	if relErr := o.pool.Release(exec); relErr != nil && herr == nil {
		herr = relErr
	}

	duration := o.cfg.Now().Sub(started)
	o.cfg.Observer.OnPhaseCompleted(ctx, f, phase.Name, attempt, herr, duration)

	if reason, paused := api.IsPauseForInputError(herr); paused {
		o.recordAttempt(ctx, f, phase.Name, attempt, api.PhasePaused, nil, started)
		o.publish(ctx, f, api.EventPhaseCompleted, phase.Name, "paused: "+reason)
		return nil, herr
	}
	if herr != nil {
		// Capture the error state before any retry decision.
		f.LastError = errorState(phase.Name, herr)
		f.UpdatedAt = o.cfg.Now()
		if uerr := o.stores.Flows.UpdateFlow(ctx, f); uerr != nil {
			return nil, uerr
		}
		o.recordAttempt(ctx, f, phase.Name, attempt, api.PhaseFailed, herr, started)
		o.publish(ctx, f, api.EventPhaseFailed, phase.Name, herr.Error())
		return nil, herr
	}
	return output, nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, f *api.FlowInstance, phase string, attempt int, outcome api.PhaseOutcome, err error, started time.Time) {
	rec := api.PhaseExecution{
		FlowID:     f.ID,
		Phase:      phase,
		Attempt:    attempt,
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: o.cfg.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := o.stores.Flows.AppendPhaseExecution(ctx, rec); aerr != nil {
		o.cfg.Logger.Error("append_phase_execution_failed",
			slog.String("flow_id", f.ID),
			slog.String("phase", phase),
			slog.Any("error", aerr),
		)
	}
}

func (o *Orchestrator) attemptCount(ctx context.Context, flowID, phase string) (int, error) {
	recs, err := o.stores.Flows.ListPhaseExecutions(ctx, flowID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Phase == phase {
			n++
		}
	}
	return n, nil
}

// commitAdvance is the single operation that moves CurrentPhase forward.
// The completion flag, the phase pointer, status, progress and the history
// record are written in one atomic store commit.
func (o *Orchestrator) commitAdvance(ctx context.Context, f *api.FlowInstance, ft api.FlowType, output any) error {
	idx := f.CurrentPhase
	phase := ft.Phases[idx]
	now := o.cfg.Now()

	attempts, err := o.attemptCount(ctx, f.ID, phase.Name)
	if err != nil {
		return err
	}

	f.Completed[idx] = true
	f.CurrentPhase = idx + 1
	if output != nil {
		f.State = output
	}
	if f.CurrentPhase == len(ft.Phases) {
		f.Status = api.FlowCompleted
	}
	f.Progress = progressOf(f)
	f.LastError = nil
	f.UpdatedAt = now

	rec := api.PhaseExecution{
		FlowID:     f.ID,
		Phase:      phase.Name,
		Attempt:    attempts + 1,
		Outcome:    api.PhaseCompleted,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := o.stores.Flows.CommitTransition(ctx, f, rec); err != nil {
		return err
	}
	o.publish(ctx, f, api.EventPhaseCompleted, phase.Name, "")
	return nil
}

// progressOf computes the user-visible percentage: completed phases scaled
// to at most 90, with the final 10 unlocked only by approval.
func progressOf(f *api.FlowInstance) float64 {
	total := len(f.Completed)
	if total == 0 {
		return 0
	}
	done := 0
	for _, c := range f.Completed {
		if c {
			done++
		}
	}
	p := float64(done) / float64(total) * 90
	if done == total && f.Approved {
		p = 100
	}
	return p
}

// errorState builds the persisted failure record for a phase error. The
// detail map keeps the error classification and the unwrapped cause so
// callers inspecting a failed flow do not have to parse the message.
func errorState(phase string, err error) *api.ErrorState {
	detail := make(map[string]any)
	var (
		ve *api.ValidationError
		te *api.TransientError
		fe *api.FatalError
		ie *api.TenantIsolationError
	)
	switch {
	case errors.As(err, &ve):
		detail["kind"] = "validation"
		detail["op"] = ve.Op
	case errors.As(err, &te):
		detail["kind"] = "transient"
		detail["op"] = te.Op
		if te.Err != nil {
			detail["cause"] = te.Err.Error()
		}
	case errors.As(err, &fe):
		detail["kind"] = "fatal"
		detail["op"] = fe.Op
		if fe.Err != nil {
			detail["cause"] = fe.Err.Error()
		}
	case errors.As(err, &ie):
		detail["kind"] = "tenant_isolation"
		detail["expected"] = ie.Expected
		detail["actual"] = ie.Actual
	default:
		if cause := errors.Unwrap(err); cause != nil {
			detail["cause"] = cause.Error()
		}
	}
	if len(detail) == 0 {
		detail = nil
	}
	return &api.ErrorState{Phase: phase, Message: err.Error(), Detail: detail}
}

func (o *Orchestrator) markCompleted(ctx context.Context, f *api.FlowInstance, ft api.FlowType) (*api.FlowSnapshot, error) {
	o.cfg.Observer.OnFlowCompleted(ctx, f)
	o.publish(ctx, f, api.EventFlowCompleted, "", "")
	return o.snapshot(f, ft), nil
}

func (o *Orchestrator) markPaused(ctx context.Context, f *api.FlowInstance, ft api.FlowType, phase, reason string) (*api.FlowSnapshot, error) {
	f.Status = api.FlowPausedForInput
	f.PauseRequested = false
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.cfg.Observer.OnFlowPaused(ctx, f, phase)
	o.publish(ctx, f, api.EventFlowPaused, phase, reason)
	return o.snapshot(f, ft), nil
}

func (o *Orchestrator) markFailed(ctx context.Context, f *api.FlowInstance, ft api.FlowType, phase string, cause error) (*api.FlowSnapshot, error) {
	f.Status = api.FlowFailed
	if f.LastError == nil {
		f.LastError = errorState(phase, cause)
	}
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.cfg.Observer.OnFlowFailed(ctx, f, cause)
	o.publish(ctx, f, api.EventFlowFailed, phase, cause.Error())
	return o.snapshot(f, ft), nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, f *api.FlowInstance, ft api.FlowType) (*api.FlowSnapshot, error) {
	f.Status = api.FlowCancelled
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.publish(ctx, f, api.EventFlowCancelled, "", "")
	return o.snapshot(f, ft), nil
}

// Advance applies an externally produced phase result. Results for already
// completed phases are acknowledged without effect.
func (o *Orchestrator) Advance(ctx context.Context, flowID string, result api.PhaseResult) (*api.FlowSnapshot, error) {
	unlock := o.flowLocks.lock(flowID)
	defer unlock()

	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	ft, ok := o.flowType(f.FlowType)
	if !ok {
		return nil, api.NewValidationError("flow.Advance", "unknown flow type %q", f.FlowType)
	}
	idx := ft.PhaseIndex(result.Phase)
	if idx < 0 {
		return nil, api.NewValidationError("flow.Advance", "flow type %q has no phase %q", f.FlowType, result.Phase)
	}
	if f.Completed[idx] {
		return o.snapshot(f, ft), nil
	}
	if f.Status.Terminal() {
		return nil, api.NewValidationError("flow.Advance", "flow %s is %s", flowID, f.Status)
	}
	if idx != f.CurrentPhase {
		return nil, api.NewValidationError("flow.Advance",
			"phase %q is not current (current is %q)", result.Phase, ft.Phases[f.CurrentPhase].Name)
	}

	// The first externally applied result takes an initialized flow into
	// the running state; commitAdvance persists it with the phase record.
	if f.Status == api.FlowInitialized {
		f.Status = api.FlowRunning
		o.cfg.Observer.OnFlowStart(ctx, f)
		o.publish(ctx, f, api.EventFlowStarted, "", "")
	}
	if err := o.commitAdvance(ctx, f, ft, result.Output); err != nil {
		return nil, err
	}
	if f.Status == api.FlowCompleted {
		return o.markCompleted(ctx, f, ft)
	}
	return o.snapshot(f, ft), nil
}

// Pause requests a cooperative pause; a running flow parks at the next
// phase boundary.
func (o *Orchestrator) Pause(ctx context.Context, flowID string) (*api.FlowSnapshot, error) {
	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	ft, ok := o.flowType(f.FlowType)
	if !ok {
		return nil, api.NewValidationError("flow.Pause", "unknown flow type %q", f.FlowType)
	}
	if f.Status.Terminal() {
		return nil, api.NewValidationError("flow.Pause", "flow %s is %s", flowID, f.Status)
	}
	if f.Status == api.FlowPausedForInput {
		return o.snapshot(f, ft), nil
	}
	f.PauseRequested = true
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	return o.snapshot(f, ft), nil
}

// Resume re-enters a paused flow, delivering userInput to the paused phase.
func (o *Orchestrator) Resume(ctx context.Context, flowID string, userInput any) (*api.FlowSnapshot, error) {
	unlock := o.flowLocks.lock(flowID)
	defer unlock()

	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f.Status != api.FlowPausedForInput {
		return nil, api.NewValidationError("flow.Resume", "flow %s is %s, not %s", flowID, f.Status, api.FlowPausedForInput)
	}

	f.Status = api.FlowRunning
	f.PauseRequested = false
	f.Stale = false
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.publish(ctx, f, api.EventFlowResumed, "", "")

	return o.run(ctx, f, api.ResumePayload{Data: userInput})
}

// RetryPhase re-executes the current phase of a failed flow. Recovery
// resumes from the last committed phase; earlier side effects stand.
func (o *Orchestrator) RetryPhase(ctx context.Context, flowID string) (*api.FlowSnapshot, error) {
	unlock := o.flowLocks.lock(flowID)
	defer unlock()

	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f.Status != api.FlowFailed {
		return nil, api.NewValidationError("flow.RetryPhase", "flow %s is %s, not %s", flowID, f.Status, api.FlowFailed)
	}

	f.Status = api.FlowRunning
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.publish(ctx, f, api.EventFlowResumed, "", "retry")

	return o.run(ctx, f, f.State)
}

// Cancel stops scheduling further phases. In-flight phase work is not
// aborted; it observes ctx cancellation at its own checkpoints.
func (o *Orchestrator) Cancel(ctx context.Context, flowID string) (*api.FlowSnapshot, error) {
	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	ft, ok := o.flowType(f.FlowType)
	if !ok {
		return nil, api.NewValidationError("flow.Cancel", "unknown flow type %q", f.FlowType)
	}
	if f.Status.Terminal() {
		return nil, api.NewValidationError("flow.Cancel", "flow %s is already %s", flowID, f.Status)
	}

	f.CancelRequested = true
	if f.Status == api.FlowRunning {
		// The scheduling loop picks the flag up at the next boundary.
		f.UpdatedAt = o.cfg.Now()
		if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
			return nil, err
		}
		return o.snapshot(f, ft), nil
	}
	return o.markCancelled(ctx, f, ft)
}

// Approve is the explicit terminal approval unlocking the final 10% of
// progress on a completed flow.
func (o *Orchestrator) Approve(ctx context.Context, flowID string, userID string) (*api.FlowSnapshot, error) {
	unlock := o.flowLocks.lock(flowID)
	defer unlock()

	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	ft, ok := o.flowType(f.FlowType)
	if !ok {
		return nil, api.NewValidationError("flow.Approve", "unknown flow type %q", f.FlowType)
	}
	if f.Status != api.FlowCompleted {
		return nil, api.NewValidationError("flow.Approve", "flow %s is %s, not %s", flowID, f.Status, api.FlowCompleted)
	}
	if f.Approved {
		return o.snapshot(f, ft), nil
	}

	f.Approved = true
	f.Progress = progressOf(f)
	f.UpdatedAt = o.cfg.Now()
	if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	o.publish(ctx, f, api.EventFlowApproved, "", userID)
	return o.snapshot(f, ft), nil
}

// GetStatus returns the read-only snapshot for a flow.
func (o *Orchestrator) GetStatus(ctx context.Context, flowID string) (*api.FlowSnapshot, error) {
	f, err := o.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	ft, _ := o.flowType(f.FlowType)
	return o.snapshot(f, ft), nil
}

// ListFlows returns snapshots matching the options.
func (o *Orchestrator) ListFlows(ctx context.Context, opts api.FlowListOptions) ([]*api.FlowSnapshot, error) {
	filter := store.FlowFilter{FlowType: opts.FlowType, Status: opts.Status}
	if opts.Scope != nil {
		filter.ClientID = opts.Scope.ClientID
		filter.EngagementID = opts.Scope.EngagementID
	}
	flows, err := o.stores.Flows.ListFlows(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.FlowSnapshot, 0, len(flows))
	for _, f := range flows {
		ft, _ := o.flowType(f.FlowType)
		out = append(out, o.snapshot(f, ft))
	}
	return out, nil
}

// History returns the append-only phase execution records for a flow.
func (o *Orchestrator) History(ctx context.Context, flowID string) ([]api.PhaseExecution, error) {
	if _, err := o.stores.Flows.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	return o.stores.Flows.ListPhaseExecutions(ctx, flowID)
}

// MarkStale flags paused flows idle for longer than olderThan.
func (o *Orchestrator) MarkStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.cfg.Now().Add(-olderThan)
	flows, err := o.stores.Flows.ListFlows(ctx, store.FlowFilter{
		Status:        api.FlowPausedForInput,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, f := range flows {
		if f.Stale {
			continue
		}
		f.Stale = true
		if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
			return flagged, err
		}
		flagged++
		o.cfg.Logger.Warn("flow_stale",
			slog.String("flow_id", f.ID),
			slog.String("tenant", f.Scope.Key()),
			slog.Time("last_update", f.UpdatedAt),
		)
	}
	return flagged, nil
}

// RecoverStuckFlows marks flows still recorded as running (for example
// after a process crash) as failed so they can be retried. Call on startup
// before accepting new work.
func (o *Orchestrator) RecoverStuckFlows(ctx context.Context) (int, error) {
	flows, err := o.stores.Flows.ListFlows(ctx, store.FlowFilter{Status: api.FlowRunning})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, f := range flows {
		ft, ok := o.flowType(f.FlowType)
		phase := ""
		if ok && f.CurrentPhase < len(ft.Phases) {
			phase = ft.Phases[f.CurrentPhase].Name
		}
		cause := errors.New("process terminated during phase execution")
		f.Status = api.FlowFailed
		f.LastError = &api.ErrorState{Phase: phase, Message: cause.Error()}
		f.UpdatedAt = o.cfg.Now()
		if err := o.stores.Flows.UpdateFlow(ctx, f); err != nil {
			return recovered, err
		}
		recovered++
		o.cfg.Observer.OnFlowFailed(ctx, f, cause)
		o.publish(ctx, f, api.EventFlowFailed, phase, cause.Error())
	}
	return recovered, nil
}

func (o *Orchestrator) snapshot(f *api.FlowInstance, ft api.FlowType) *api.FlowSnapshot {
	current := ""
	if f.CurrentPhase < len(ft.Phases) {
		current = ft.Phases[f.CurrentPhase].Name
	}
	return &api.FlowSnapshot{
		ID:           f.ID,
		Scope:        f.Scope,
		FlowType:     f.FlowType,
		Status:       f.Status,
		CurrentPhase: current,
		Progress:     f.Progress,
		LastError:    f.LastError,
	}
}

// publish sends an event to the sink and appends it to the durable event
// history. Event delivery never fails a flow operation.
func (o *Orchestrator) publish(ctx context.Context, f *api.FlowInstance, typ api.EventType, phase, detail string) {
	ev := api.FlowEvent{
		FlowID:   f.ID,
		At:       o.cfg.Now(),
		Type:     typ,
		FlowType: f.FlowType,
		Phase:    phase,
		Detail:   detail,
	}
	o.cfg.Events.Publish(ctx, ev)
	if err := o.stores.Events.AppendEvent(ctx, ev); err != nil {
		o.cfg.Logger.Error("append_event_failed",
			slog.String("flow_id", f.ID),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}

// backoffDelay computes the delay before retry number retries+1.
func backoffDelay(p api.RetryPolicy, retries int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff)
	for i := 0; i < retries; i++ {
		d *= mult
	}
	delay := time.Duration(d)
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// flowLocks serializes control operations per flow instance.
type flowLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *flowLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
