package converge

import (
	"fmt"
	"time"
)

// FlowTypeBuilder provides a fluent API for defining flow types:
//
//	ft := converge.NewFlowType("asset-discovery").
//	    Phase("collect", "collector").
//	    PhaseWithRetry("reconcile", "reconciler", converge.Retry(3).Policy()).
//	    PausePoint("review", "reviewer").
//	    Phase("finalize", "collector")
//
//	if err := ft.Register(sys.Orchestrator); err != nil {
//	    log.Fatal(err)
//	}
type FlowTypeBuilder struct {
	ft FlowType
}

// NewFlowType creates a new flow type builder with the given name.
func NewFlowType(name string) *FlowTypeBuilder {
	return &FlowTypeBuilder{
		ft: FlowType{
			Name:   name,
			Phases: make([]PhaseConfig, 0),
		},
	}
}

// Name returns the flow type name.
func (b *FlowTypeBuilder) Name() string {
	return b.ft.Name
}

// Type returns the underlying FlowType.
// Typically used when interacting with lower-level APIs.
func (b *FlowTypeBuilder) Type() FlowType {
	return b.ft
}

// Phase appends a phase bound to the given capability.
func (b *FlowTypeBuilder) Phase(name, capability string) *FlowTypeBuilder {
	return b.add(PhaseConfig{Name: name, Capability: capability})
}

// PhaseWithRetry appends a phase with an explicit retry policy.
func (b *FlowTypeBuilder) PhaseWithRetry(name, capability string, retry RetryPolicy) *FlowTypeBuilder {
	// Copy so callers can mutate their RetryPolicy after the call without
	// affecting the stored definition.
	r := retry
	return b.add(PhaseConfig{Name: name, Capability: capability, Retry: &r})
}

// PhaseWithTimeout appends a phase whose handler is bounded by the given
// timeout. A timed-out attempt counts as a transient failure.
func (b *FlowTypeBuilder) PhaseWithTimeout(name, capability string, timeout time.Duration) *FlowTypeBuilder {
	return b.add(PhaseConfig{Name: name, Capability: capability, Timeout: timeout})
}

// PausePoint appends a phase that parks the flow for user input before it
// executes.
func (b *FlowTypeBuilder) PausePoint(name, capability string) *FlowTypeBuilder {
	return b.add(PhaseConfig{Name: name, Capability: capability, PausePoint: true})
}

// WithValidator attaches a precondition to the most recently added phase.
func (b *FlowTypeBuilder) WithValidator(fn ValidatorFunc) *FlowTypeBuilder {
	last := b.last("WithValidator")
	last.Validators = append(last.Validators, fn)
	return b
}

// WithPreHook attaches a pre-execution hook to the most recently added
// phase.
func (b *FlowTypeBuilder) WithPreHook(fn HookFunc) *FlowTypeBuilder {
	b.last("WithPreHook").PreHook = fn
	return b
}

// WithPostHook attaches a post-execution hook to the most recently added
// phase.
func (b *FlowTypeBuilder) WithPostHook(fn HookFunc) *FlowTypeBuilder {
	b.last("WithPostHook").PostHook = fn
	return b
}

func (b *FlowTypeBuilder) add(pc PhaseConfig) *FlowTypeBuilder {
	if pc.Name == "" {
		panic("converge: phase name must not be empty")
	}
	if pc.Capability == "" {
		panic(fmt.Sprintf("converge: phase %q has no capability", pc.Name))
	}
	b.ft.Phases = append(b.ft.Phases, pc)
	return b
}

func (b *FlowTypeBuilder) last(op string) *PhaseConfig {
	if len(b.ft.Phases) == 0 {
		panic("converge: " + op + " called before any phase was added")
	}
	return &b.ft.Phases[len(b.ft.Phases)-1]
}

// Register registers the built flow type with the given orchestrator.
func (b *FlowTypeBuilder) Register(orch Orchestrator) error {
	return orch.RegisterFlowType(b.ft)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowTypeBuilder) MustRegister(orch Orchestrator) {
	if err := b.Register(orch); err != nil {
		panic(err)
	}
}
