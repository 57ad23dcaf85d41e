// Package converge is a multi-tenant flow orchestration and asset
// reconciliation toolkit.
//
// A flow is an instance of a flow type: a fixed, named sequence of phases
// that a tenant's data moves through, with cooperative pause, resume, retry
// and cancel control. Phases are bound to capabilities, and capabilities to
// handlers, so the same flow type can run against different handler sets.
//
// Alongside orchestration, the reconciliation engine matches incoming
// attribute data to canonical assets, merges it under a configurable
// strategy, records version lineage, and raises conflicts for values that
// cannot be merged automatically. A pattern repository learns field
// mappings from confirmed imports and suggests them on later ones, with
// confidence that evolves from outcomes.
//
// # Getting started
//
// Construct a System, register flow types and handlers, and start flows:
//
//	sys, err := converge.NewInMemorySystem(converge.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	converge.NewFlowType("asset-discovery").
//	    Phase("collect", "collector").
//	    PhaseWithRetry("reconcile", "reconciler", converge.Retry(3).Policy()).
//	    PausePoint("review", "reviewer").
//	    MustRegister(sys.Orchestrator)
//
//	_ = sys.Orchestrator.RegisterPhaseHandler("reconciler",
//	    converge.IngestPhase(extractBatch))
//
//	scope := converge.TenantScope{ClientID: "client-1", EngagementID: "eng-1"}
//	snap, _ := sys.Orchestrator.Initialize(ctx, scope, "asset-discovery", input)
//	snap, _ = sys.Orchestrator.Start(ctx, snap.ID)
//
// Flow types can also be declared in YAML and loaded with the flowtype
// package.
//
// # Tenancy
//
// Every flow, asset, conflict, and tenant-scoped pattern carries a
// TenantScope. Lookups filter by scope, executors are warmed per tenant,
// and cross-tenant access fails with a tenant isolation error rather than
// an empty result.
//
// # Persistence
//
// Backends are pluggable behind store interfaces. NewInMemorySystem keeps
// everything in process memory; NewSQLiteSystem persists flows, assets,
// conflicts, patterns, and events in one SQLite database; NewPostgresSystem
// persists flow state in PostgreSQL. The bundle constructors pair a System
// with a durable task queue and a background Runner for asynchronous
// processing.
//
// # Observability
//
// Lifecycle callbacks flow through the Observer interface, and flow events
// through EventSink implementations. LoggingObserver, BasicMetrics, and
// CompositeObserver cover common setups; events also land in the durable
// event history for per-flow audit.
package converge
