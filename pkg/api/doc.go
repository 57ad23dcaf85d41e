// Package api contains the core contracts shared by the converge flow
// orchestrator, reconciliation engine, executor pool, and pattern
// repository. It defines the domain types, the service interfaces, and the
// error taxonomy that the rest of the module implements.
//
// Most users interact with the higher-level converge package, which
// re-exports selected types and wires the services together. The api
// package is intended for custom integrations or contributors extending the
// services themselves.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Tenant scopes and flow instances
//   - Phase handlers and executors
//   - Assets, merges, and conflicts
//   - Mapping patterns
//   - Observability
//
// # Flows
//
// A FlowType declares a fixed, ordered phase sequence under a name. A
// FlowInstance is one tenant-scoped execution of a flow type: it carries the
// current phase, per-phase completion flags, user-visible progress, and the
// opaque state threaded from phase to phase. The Orchestrator interface is
// the only mutator of that record, and phase transitions are committed
// atomically with their history entry.
//
// Phases reference capabilities rather than functions. A PhaseFunc bound to
// a capability receives a pooled Executor for the flow's tenant, so handler
// code never reaches across tenant boundaries.
//
// # Reconciliation
//
// The Reconciler interface ingests batches of IncomingRecord values, matches
// them to canonical Asset records by identifier (falling back to name+type),
// and merges attribute data under a configured strategy. Merges that cannot
// be decided automatically produce ConflictRecord values for a human to
// resolve. Every committed merge appends an AssetVersion, so an asset's
// lineage is fully reconstructible.
//
// # Patterns
//
// The PatternRepo learns source-field to target-field mappings from
// confirmed imports and suggests them on later ones. Pattern confidence
// evolves from accept/reject outcomes and decays with disuse.
//
// # Errors
//
// Handler and service failures are classified: ValidationError and
// FatalError are never retried, TransientError is retried per the phase's
// RetryPolicy, TenantIsolationError aborts immediately, and
// PauseForInputError parks the flow until user input arrives. Constructors
// such as NewTransientError and NewPauseForInputError build the matching
// values; predicates such as IsPauseForInputError classify them.
package api
