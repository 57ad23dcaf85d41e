package api

import (
	"context"
	"time"
)

// Orchestrator is the top-level flow state machine API.
//
// CurrentPhase and the per-phase completion flags are always committed
// together; for every observable flow state the completion flag of the phase
// preceding CurrentPhase is true.
type Orchestrator interface {
	// RegisterFlowType declares a flow type's fixed phase sequence.
	RegisterFlowType(ft FlowType) error

	// RegisterPhaseHandler binds a capability name to a handler. Phases
	// reference capabilities; the orchestrator acquires a pooled executor
	// for the phase's capability and invokes the handler with it.
	RegisterPhaseHandler(capability string, fn PhaseFunc) error

	// Initialize creates a flow instance in FlowInitialized without running
	// any phase.
	Initialize(ctx context.Context, scope TenantScope, flowType string, payload any) (*FlowSnapshot, error)

	// Start executes phases in order until the flow completes, fails,
	// pauses for input, or is cancelled.
	Start(ctx context.Context, flowID string) (*FlowSnapshot, error)

	// Advance applies a phase result and atomically commits the transition
	// (completion flag + current phase pointer together). Applying a result
	// for an already-completed phase is a no-op.
	Advance(ctx context.Context, flowID string, result PhaseResult) (*FlowSnapshot, error)

	// Pause requests a cooperative pause at the next phase boundary.
	Pause(ctx context.Context, flowID string) (*FlowSnapshot, error)

	// Resume re-enters a paused flow, delivering userInput to the paused
	// phase, and continues execution.
	Resume(ctx context.Context, flowID string, userInput any) (*FlowSnapshot, error)

	// RetryPhase re-executes the current phase of a failed flow and, on
	// success, continues execution. Recovery resumes from the last
	// committed phase; earlier side effects are never rolled back.
	RetryPhase(ctx context.Context, flowID string) (*FlowSnapshot, error)

	// Cancel stops scheduling further phases. In-flight phase work is not
	// aborted; phases observe ctx cancellation at safe checkpoints.
	Cancel(ctx context.Context, flowID string) (*FlowSnapshot, error)

	// Approve is the explicit terminal user approval that unlocks the final
	// 10% of progress on a completed flow.
	Approve(ctx context.Context, flowID string, userID string) (*FlowSnapshot, error)

	// GetStatus returns the read-only snapshot for a flow.
	GetStatus(ctx context.Context, flowID string) (*FlowSnapshot, error)

	// ListFlows returns snapshots matching the given options.
	ListFlows(ctx context.Context, opts FlowListOptions) ([]*FlowSnapshot, error)

	// History returns the append-only phase execution records for a flow.
	History(ctx context.Context, flowID string) ([]PhaseExecution, error)

	// MarkStale flags paused flows idle for longer than olderThan and
	// returns how many were flagged. Intended to be scheduled by the
	// embedding application.
	MarkStale(ctx context.Context, olderThan time.Duration) (int, error)

	// RecoverStuckFlows scans for flows still marked FlowRunning (for
	// example after a process crash) and marks them FlowFailed. Call on
	// startup before accepting new work.
	RecoverStuckFlows(ctx context.Context) (int, error)
}

// PhaseFunc performs the work of one phase using a warm, tenant-scoped
// executor. input is the previous phase's output, the flow payload for the
// first phase, or a ResumePayload after Resume.
type PhaseFunc func(ctx context.Context, exec Executor, flow *FlowInstance, input any) (any, error)

// Executor is a stateful, reusable task executor scoped to one tenant and
// capability. Handles are obtained from an ExecutorPool and must be
// released under the same tenant key they were acquired for.
type Executor interface {
	TenantKey() string
	Capability() string

	// Reconciler gives phase work access to the asset reconciliation engine
	// under this executor's tenant scope.
	Reconciler() Reconciler

	// Patterns gives phase work access to the pattern learning repository.
	Patterns() PatternRepo
}

// ExecutorPool creates, reuses and retires executors keyed by
// (tenant, capability). Construction per key is serialized; use of distinct
// warm executors is concurrent up to the per-tenant bound.
type ExecutorPool interface {
	// Acquire returns a warm executor for the scope's tenant and the given
	// capability, blocking up to the pool's acquire timeout when the
	// tenant's bound is reached.
	Acquire(ctx context.Context, scope TenantScope, capability string) (Executor, error)

	// Release returns an executor to the pool. The executor must belong to
	// the tenant it was acquired under.
	Release(exec Executor) error

	// EvictIdle hibernates executors idle for longer than ttl and returns
	// how many were evicted. Persisted tenant data is untouched.
	EvictIdle(ttl time.Duration) int
}

// Reconciler matches, merges, versions and conflict-checks incoming
// attribute data against canonical assets.
type Reconciler interface {
	// Ingest reconciles a batch of records from one source. Merges for the
	// same asset are serialized; different assets proceed concurrently.
	Ingest(ctx context.Context, scope TenantScope, records []IncomingRecord, source SourceInfo) (*IngestResult, error)

	// ResolveConflict applies a resolution to an open conflict and commits
	// the outcome as a new asset version.
	ResolveConflict(ctx context.Context, scope TenantScope, conflictID string, res Resolution) (*AssetVersion, error)

	// OpenConflicts lists unresolved conflicts ordered by severity then
	// recency. flowID is optional.
	OpenConflicts(ctx context.Context, scope TenantScope, flowID string) ([]*ConflictRecord, error)

	// GetLineage returns the full version history of an asset, oldest first.
	GetLineage(ctx context.Context, scope TenantScope, assetID string) ([]AssetVersion, error)
}

// PatternRepo stores and evolves reusable field mapping rules.
type PatternRepo interface {
	// ApplyPatterns ranks active patterns visible to the tenant and returns
	// suggestions at or above the acceptance threshold.
	ApplyPatterns(ctx context.Context, scope TenantScope, sourceFields []string) ([]MappingSuggestion, error)

	// Learn records a confirmed or rejected mapping and evolves the
	// matching pattern (creating it on first success).
	Learn(ctx context.Context, scope TenantScope, m Mapping, outcome Outcome) error

	// EvolveConfidence applies one success/failure outcome to a pattern and
	// returns the new clamped confidence.
	EvolveConfidence(ctx context.Context, patternID string, success bool, feedback *float64) (float64, error)

	// PromoteToGlobal shares a tenant pattern globally after anonymizing
	// its example values. Requires tenant opt-in and a non-nil policy.
	PromoteToGlobal(ctx context.Context, patternID string, policy AnonymizationPolicy) error
}
