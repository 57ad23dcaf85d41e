// Package runner provides the background runner that drives flows forward.
//
// Runners consume tasks from a task queue and dispatch them to an
// orchestrator: starting initialized flows, resuming paused ones with user
// input, and retrying failed phases. They are long-lived components that
// typically run in dedicated goroutines or processes, and multiple runners
// can safely operate on the same queue to scale processing.
//
// Runners are decoupled from any particular backend. The orchestrator
// encapsulates flow state and phase execution; the task queue provides
// delivery. In-memory, SQLite, and Postgres queue implementations can be
// plugged in without changing runner code.
//
// Most applications construct runners via helper functions in the converge
// package, which wire orchestrators, stores, and queues together with
// sensible defaults.
package runner
