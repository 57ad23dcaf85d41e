package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(ResumePayload{})
	gob.Register(map[string]any{})
}

// TenantScope identifies the (client, engagement) pair that isolates all
// flows, assets, patterns and executors. It is supplied by the caller on
// every operation; the core never infers it from payload content.
type TenantScope struct {
	ClientID     string
	EngagementID string
	UserID       string
}

// Key returns the pool/store partition key for this scope.
// UserID is intentionally excluded: isolation is per client+engagement.
func (s TenantScope) Key() string {
	return s.ClientID + "/" + s.EngagementID
}

// SameTenant reports whether two scopes belong to the same tenant partition.
func (s TenantScope) SameTenant(other TenantScope) bool {
	return s.ClientID == other.ClientID && s.EngagementID == other.EngagementID
}

// FlowStatus represents the lifecycle state of a flow instance.
type FlowStatus string

const (
	FlowInitialized    FlowStatus = "INITIALIZED"
	FlowRunning        FlowStatus = "RUNNING"
	FlowPausedForInput FlowStatus = "PAUSED_FOR_INPUT"
	FlowCompleted      FlowStatus = "COMPLETED"
	FlowFailed         FlowStatus = "FAILED"
	FlowCancelled      FlowStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further phase scheduling.
func (s FlowStatus) Terminal() bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowCancelled
}

// PhaseOutcome classifies one recorded phase execution attempt.
type PhaseOutcome string

const (
	PhaseCompleted PhaseOutcome = "COMPLETED"
	PhaseFailed    PhaseOutcome = "FAILED"
	PhasePaused    PhaseOutcome = "PAUSED"
)

// RetryPolicy controls how a phase is retried when it returns a transient
// error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay; zero means no cap.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt.
	// Values <= 0 default to 2.0.
	BackoffMultiplier float64
}

// ValidatorFunc checks a phase precondition against the flow's current state.
// A non-nil error is surfaced as a ValidationError and never retried.
type ValidatorFunc func(flow *FlowInstance, input any) error

// HookFunc runs before or after a phase. Hook errors fail the phase.
type HookFunc func(ctx context.Context, flow *FlowInstance) error

// PhaseConfig is the static, per-flow-type description of one phase.
// Immutable at runtime; declared once per flow type.
type PhaseConfig struct {
	Name       string
	Capability string
	Retry      *RetryPolicy
	Timeout    time.Duration
	PausePoint bool
	Validators []ValidatorFunc
	PreHook    HookFunc
	PostHook   HookFunc
}

// FlowType declares the fixed, ordered phase sequence for a named flow kind.
// The phase list declared here is the sole source of truth for phase order.
type FlowType struct {
	Name   string
	Phases []PhaseConfig
}

// PhaseIndex returns the index of the named phase, or -1.
func (ft FlowType) PhaseIndex(name string) int {
	for i, p := range ft.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// ErrorState captures the last phase failure of a flow.
type ErrorState struct {
	Phase   string
	Message string
	Detail  map[string]any
}

// FlowInstance is one tenant-scoped execution of a flow type.
//
// It is owned exclusively by the orchestrator. CurrentPhase and the
// Completed flags are only ever written together through the store's atomic
// CommitTransition operation; no other code path mutates either.
type FlowInstance struct {
	ID       string
	Scope    TenantScope
	FlowType string

	Status       FlowStatus
	CurrentPhase int
	Completed    []bool

	// Progress is the user-visible completion percentage. It is capped at
	// 90 until Approved is set by an explicit terminal approval call.
	Progress float64
	Approved bool

	// PauseRequested and CancelRequested are cooperative flags checked at
	// phase boundaries.
	PauseRequested  bool
	CancelRequested bool

	// Stale marks a paused flow that has exceeded the idle timeout. Set by
	// MarkStale, cleared on Resume.
	Stale bool

	// State is the opaque payload threaded from phase to phase.
	State any

	LastError *ErrorState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PhaseResult is the outcome an executor hands back for one phase.
type PhaseResult struct {
	// Phase names the phase this result belongs to. Advancing with a result
	// for an already-completed phase is a no-op (idempotent delivery).
	Phase  string
	Output any
}

// PhaseExecution is one append-only history record of a phase attempt.
type PhaseExecution struct {
	FlowID     string
	Phase      string
	Attempt    int
	Outcome    PhaseOutcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// FlowSnapshot is the read-only status view exposed to callers.
type FlowSnapshot struct {
	ID           string
	Scope        TenantScope
	FlowType     string
	Status       FlowStatus
	CurrentPhase string
	Progress     float64
	LastError    *ErrorState
}

// ResumePayload wraps the user input delivered on Resume so that phase
// handlers can distinguish a resume entry from a normal phase input.
type ResumePayload struct {
	Data any
}

// FlowListOptions controls how flows are listed.
// Zero values mean "no filter" for that field.
type FlowListOptions struct {
	Scope    *TenantScope
	FlowType string
	Status   FlowStatus
}
