package converge

import (
	"context"

	"github.com/convergehq/converge/pkg/api"
)

// Reusable phase handlers for common flow shapes. Register them under a
// capability and reference that capability from flow type definitions.

// IngestPhase returns a handler that reconciles a batch against the
// tenant's assets via the executor's reconciler. extract derives the batch
// from the phase input; the handler stamps the flow ID onto the batch so
// conflicts detected during the merge are attributable to this flow.
func IngestPhase(extract func(input any) ([]IncomingRecord, SourceInfo, error)) PhaseFunc {
	return func(ctx context.Context, exec Executor, flow *FlowInstance, input any) (any, error) {
		records, source, err := extract(input)
		if err != nil {
			return nil, api.NewValidationError("converge.IngestPhase", "%v", err)
		}
		source.FlowID = flow.ID
		return exec.Reconciler().Ingest(ctx, flow.Scope, records, source)
	}
}

// MapFieldsPhase returns a handler that asks the pattern repository for
// mapping suggestions covering the given source fields. extract derives the
// field names from the phase input.
func MapFieldsPhase(extract func(input any) ([]string, error)) PhaseFunc {
	return func(ctx context.Context, exec Executor, flow *FlowInstance, input any) (any, error) {
		fields, err := extract(input)
		if err != nil {
			return nil, api.NewValidationError("converge.MapFieldsPhase", "%v", err)
		}
		return exec.Patterns().ApplyPatterns(ctx, flow.Scope, fields)
	}
}

// ConflictGatePhase returns a handler that pauses the flow whenever open
// conflicts remain for it, and passes its input through once the queue is
// clear. Resuming re-checks, so the flow stays parked until every conflict
// is resolved.
func ConflictGatePhase() PhaseFunc {
	return func(ctx context.Context, exec Executor, flow *FlowInstance, input any) (any, error) {
		open, err := exec.Reconciler().OpenConflicts(ctx, flow.Scope, flow.ID)
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			return nil, api.NewPauseForInputError("open conflicts require resolution")
		}
		if p, ok := input.(ResumePayload); ok {
			return p.Data, nil
		}
		return input, nil
	}
}

// TypedPhase wraps a strongly-typed function into a PhaseFunc.
// Example:
//
//	converge.TypedPhase(func(ctx context.Context, exec converge.Executor, s MyState) (MyState, error) { ... })
//
// A resume payload is unwrapped before the type assertion; any other input
// of the wrong type is a validation error.
func TypedPhase[I, O any](fn func(ctx context.Context, exec Executor, in I) (O, error)) PhaseFunc {
	return func(ctx context.Context, exec Executor, flow *FlowInstance, input any) (any, error) {
		if p, ok := input.(ResumePayload); ok {
			input = p.Data
		}
		typed, ok := input.(I)
		if !ok && input != nil {
			return nil, api.NewValidationError("converge.TypedPhase", "unexpected input type %T", input)
		}
		return fn(ctx, exec, typed)
	}
}
