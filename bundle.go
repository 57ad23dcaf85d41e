package converge

import (
	"database/sql"

	"github.com/convergehq/converge/internal/taskqueue"
	runnerpkg "github.com/convergehq/converge/pkg/runner"
)

// Bundle wires together a System, a durable task queue, and a Runner that
// consumes tasks from that queue.
type Bundle struct {
	System *System
	Runner *runnerpkg.Runner

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on System and Runner.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable System + Queue + Runner combo
// sharing the same SQLite database. Flow state, assets, patterns, events,
// and queued tasks all persist in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:converge.db?_journal=WAL")
//	bundle, err := converge.NewSQLiteBundle(db, converge.Options{})
//	// register flow types and handlers on bundle.System.Orchestrator
//	// enqueue work via bundle.Runner
func NewSQLiteBundle(db *sql.DB, opts Options) (*Bundle, error) {
	sys, err := NewSQLiteSystem(db, opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		System: sys,
		Runner: runnerpkg.New(sys.Orchestrator, q),
		queue:  q,
	}, nil
}

// NewPostgresBundle constructs a System + Queue + Runner combo whose flow
// state and task queue persist in PostgreSQL. See NewPostgresSystem for
// what stays in memory.
func NewPostgresBundle(db *sql.DB, opts Options) (*Bundle, error) {
	sys, err := NewPostgresSystem(db, opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		System: sys,
		Runner: runnerpkg.New(sys.Orchestrator, q),
		queue:  q,
	}, nil
}
