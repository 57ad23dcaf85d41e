package converge

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/convergehq/converge/internal/flow"
	"github.com/convergehq/converge/internal/pattern"
	"github.com/convergehq/converge/internal/pool"
	"github.com/convergehq/converge/internal/recon"
	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator         = api.Orchestrator
	Reconciler           = api.Reconciler
	PatternRepo          = api.PatternRepo
	ExecutorPool         = api.ExecutorPool
	Executor             = api.Executor
	TenantScope          = api.TenantScope
	FlowType             = api.FlowType
	PhaseConfig          = api.PhaseConfig
	PhaseFunc            = api.PhaseFunc
	PhaseResult          = api.PhaseResult
	PhaseExecution       = api.PhaseExecution
	FlowSnapshot         = api.FlowSnapshot
	FlowInstance         = api.FlowInstance
	FlowListOptions      = api.FlowListOptions
	FlowStatus           = api.FlowStatus
	RetryPolicy          = api.RetryPolicy
	ValidatorFunc        = api.ValidatorFunc
	HookFunc             = api.HookFunc
	ResumePayload        = api.ResumePayload
	IncomingRecord       = api.IncomingRecord
	SourceInfo           = api.SourceInfo
	IngestResult         = api.IngestResult
	Resolution           = api.Resolution
	ConflictRecord       = api.ConflictRecord
	MergeStrategyKind    = api.MergeStrategyKind
	Mapping              = api.Mapping
	MappingSuggestion    = api.MappingSuggestion
	Outcome              = api.Outcome
	EventSink            = api.EventSink
	FlowEvent            = api.FlowEvent
	ChannelSink          = api.ChannelSink
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer and sink helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewChannelSink       = api.NewChannelSink
)

// Re-export flow status values for convenience.

const (
	StatusInitialized    = api.FlowInitialized
	StatusRunning        = api.FlowRunning
	StatusPausedForInput = api.FlowPausedForInput
	StatusCompleted      = api.FlowCompleted
	StatusFailed         = api.FlowFailed
	StatusCancelled      = api.FlowCancelled
)

// Re-export merge strategy and conflict resolution kinds.

const (
	MergeConfidenceBased = api.MergeConfidenceBased
	MergeNewestWins      = api.MergeNewestWins
	MergeAuthoritative   = api.MergeAuthoritative
	MergeCustom          = api.MergeCustom

	ResolveAcceptNew         = api.ResolveAcceptNew
	ResolveKeepExisting      = api.ResolveKeepExisting
	ResolveManualValue       = api.ResolveManualValue
	ResolveBulkApplyStrategy = api.ResolveBulkApplyStrategy
)

// Options tunes a System. Zero values give sensible defaults.
type Options struct {
	// Observer receives flow and conflict lifecycle callbacks.
	Observer Observer

	// Events receives published flow events.
	Events EventSink

	Logger *slog.Logger

	// DefaultRetry applies to phases without an explicit retry policy.
	DefaultRetry RetryPolicy

	// MergeStrategy selects the reconciliation merge variant.
	// Defaults to confidence based.
	MergeStrategy MergeStrategyKind

	// MaxExecutorsPerTenant bounds concurrent executor leases per tenant.
	MaxExecutorsPerTenant int
}

// System wires the orchestrator, the reconciliation engine, the pattern
// repository, and the executor pool over one store bundle. Construct one
// System per process; all state is instance-scoped.
type System struct {
	Orchestrator Orchestrator
	Reconciler   Reconciler
	Patterns     PatternRepo
	Pool         ExecutorPool

	stores store.Stores
}

func newSystem(stores store.Stores, opts Options) (*System, error) {
	patterns := pattern.NewRepository(stores.Patterns, pattern.Config{})

	eng, err := recon.NewEngine(stores, patterns, recon.Config{
		Strategy: opts.MergeStrategy,
		Observer: opts.Observer,
		Events:   opts.Events,
	})
	if err != nil {
		return nil, err
	}

	p := pool.New(pool.Config{
		MaxPerTenant: opts.MaxExecutorsPerTenant,
		Reconciler:   eng,
		Patterns:     patterns,
		Logger:       opts.Logger,
	})

	orch := flow.New(stores, p, flow.Config{
		DefaultRetry: opts.DefaultRetry,
		Observer:     opts.Observer,
		Events:       opts.Events,
		Logger:       opts.Logger,
	})

	return &System{
		Orchestrator: orch,
		Reconciler:   eng,
		Patterns:     patterns,
		Pool:         p,
		stores:       stores,
	}, nil
}

// NewInMemorySystem returns a System backed entirely by in-memory stores.
// Intended for tests and local development.
func NewInMemorySystem(opts Options) (*System, error) {
	return newSystem(store.NewInMemoryStore().Bundle(), opts)
}

// NewSQLiteSystem returns a System that persists flows, assets, conflicts,
// patterns, and events in the given SQLite database.
func NewSQLiteSystem(db *sql.DB, opts Options) (*System, error) {
	stores, err := store.NewSQLiteStores(db)
	if err != nil {
		return nil, err
	}
	return newSystem(stores, opts)
}

// NewPostgresSystem returns a System that persists flow instances and phase
// history in PostgreSQL. Asset, conflict, and pattern state are kept in
// memory; use NewSQLiteSystem when everything must be durable in one file.
// The db handle is expected to use the pgx stdlib driver.
func NewPostgresSystem(db *sql.DB, opts Options) (*System, error) {
	flows, err := store.NewPostgresFlowStore(db)
	if err != nil {
		return nil, err
	}
	stores := store.NewInMemoryStore().Bundle()
	stores.Flows = flows
	return newSystem(stores, opts)
}

// OpenPostgres opens a *sql.DB for the given PostgreSQL DSN using the pgx
// stdlib driver, suitable for NewPostgresSystem and NewPostgresBundle.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Convenience helpers that forward to the underlying Orchestrator.

// Initialize creates a flow instance without running it.
func Initialize(ctx context.Context, s *System, scope TenantScope, flowType string, payload any) (*FlowSnapshot, error) {
	return s.Orchestrator.Initialize(ctx, scope, flowType, payload)
}

// Start runs an initialized flow synchronously.
func Start(ctx context.Context, s *System, flowID string) (*FlowSnapshot, error) {
	return s.Orchestrator.Start(ctx, flowID)
}

// Resume delivers user input to a paused flow and continues it.
func Resume(ctx context.Context, s *System, flowID string, input any) (*FlowSnapshot, error) {
	return s.Orchestrator.Resume(ctx, flowID, input)
}

// GetStatus fetches a flow snapshot by ID.
func GetStatus(ctx context.Context, s *System, flowID string) (*FlowSnapshot, error) {
	return s.Orchestrator.GetStatus(ctx, flowID)
}

// ListFlows lists flow snapshots according to the given options.
func ListFlows(ctx context.Context, s *System, opts FlowListOptions) ([]*FlowSnapshot, error) {
	return s.Orchestrator.ListFlows(ctx, opts)
}
