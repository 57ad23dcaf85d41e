package store

import (
	"context"
	"errors"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

var (
	// ErrFlowNotFound is returned when a flow instance is not found.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrAssetNotFound is returned when an asset is not found.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrConflictNotFound is returned when a conflict record is not found.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrPatternNotFound is returned when a mapping pattern is not found.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrSourceNotFound is returned when a data source is not found.
	ErrSourceNotFound = errors.New("data source not found")

	// ErrStaleVersion is returned by CommitMerge when the asset row no
	// longer carries the version the merge was computed against.
	ErrStaleVersion = errors.New("stale asset version")

	// ErrDuplicateAsset is returned by CreateAsset when another asset in
	// the same tenant already carries the identifier.
	ErrDuplicateAsset = errors.New("duplicate asset identifier")

	// ErrConflictResolved is returned when resolving an already-resolved
	// conflict.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// FlowFilter selects flow instances. Empty string / zero values mean
// "no filter" for that field.
type FlowFilter struct {
	ClientID     string
	EngagementID string
	FlowType     string
	Status       api.FlowStatus

	// UpdatedBefore, when non-zero, limits results to flows last updated
	// before the given time. Used by the stale-pause scan.
	UpdatedBefore time.Time
}

// FlowStore handles storage of flow instances and their phase execution
// history.
//
// CommitTransition is the only operation that may change CurrentPhase or a
// completion flag, and it writes them in the same atomic commit as the
// history record. UpdateFlow exists for control-field mutations only
// (pause/cancel/approve/stale); the orchestrator is its sole caller.
type FlowStore interface {
	SaveFlow(ctx context.Context, f *api.FlowInstance) error
	GetFlow(ctx context.Context, id string) (*api.FlowInstance, error)
	UpdateFlow(ctx context.Context, f *api.FlowInstance) error
	ListFlows(ctx context.Context, filter FlowFilter) ([]*api.FlowInstance, error)

	// CommitTransition atomically persists the flow row (current phase,
	// completion flags, status, progress, state, error) together with one
	// appended PhaseExecution record.
	CommitTransition(ctx context.Context, f *api.FlowInstance, rec api.PhaseExecution) error

	// AppendPhaseExecution records a phase attempt that did not change the
	// flow row (e.g. a retried failure).
	AppendPhaseExecution(ctx context.Context, rec api.PhaseExecution) error

	ListPhaseExecutions(ctx context.Context, flowID string) ([]api.PhaseExecution, error)
}

// AssetStore handles storage of canonical assets and their version history.
//
// CreateAsset and CommitMerge write the asset and its version record in one
// atomic commit, so an asset's Version always equals the count of its
// version records.
type AssetStore interface {
	// CreateAsset fails with ErrDuplicateAsset when another asset in the
	// same tenant already carries a non-empty Identifier equal to a's.
	CreateAsset(ctx context.Context, a *api.Asset, v api.AssetVersion) error

	// CommitMerge persists an updated asset and appends its new version
	// record atomically. It fails with ErrStaleVersion when the stored
	// version is not v.Version-1.
	CommitMerge(ctx context.Context, a *api.Asset, v api.AssetVersion) error

	GetAsset(ctx context.Context, scope api.TenantScope, id string) (*api.Asset, error)
	FindByIdentifier(ctx context.Context, scope api.TenantScope, identifier string) (*api.Asset, error)
	FindByNameType(ctx context.Context, scope api.TenantScope, name, assetType string) (*api.Asset, error)
	ListAssets(ctx context.Context, scope api.TenantScope) ([]*api.Asset, error)
	ListVersions(ctx context.Context, assetID string) ([]api.AssetVersion, error)
}

// ConflictStore handles conflict records. A record is mutated exactly once,
// by ResolveConflict.
type ConflictStore interface {
	SaveConflict(ctx context.Context, c *api.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*api.ConflictRecord, error)

	// ListOpenConflicts returns unresolved conflicts for the scope, ordered
	// by severity (critical first) then recency (newest first). flowID is
	// optional.
	ListOpenConflicts(ctx context.Context, scope api.TenantScope, flowID string) ([]*api.ConflictRecord, error)

	// ResolveConflict marks the record resolved with the given detail.
	// Returns ErrConflictResolved if it was already resolved.
	ResolveConflict(ctx context.Context, id string, detail api.ResolutionDetail) error
}

// SourceStore handles data source records and their usage counters.
type SourceStore interface {
	SaveSource(ctx context.Context, s *api.DataSource) error
	GetSource(ctx context.Context, id string) (*api.DataSource, error)
	UpdateSource(ctx context.Context, s *api.DataSource) error
}

// PatternStore handles mapping patterns.
type PatternStore interface {
	SavePattern(ctx context.Context, p *api.MappingPattern) error
	UpdatePattern(ctx context.Context, p *api.MappingPattern) error
	GetPattern(ctx context.Context, id string) (*api.MappingPattern, error)

	// ListVisible returns all patterns visible to the scope: global ones
	// plus the tenant's and the engagement's, active or not.
	ListVisible(ctx context.Context, scope api.TenantScope) ([]*api.MappingPattern, error)

	// FindPattern locates a pattern by its natural key within one scope
	// level.
	FindPattern(ctx context.Context, scope api.TenantScope, level api.PatternScope, sourcePattern, targetField string) (*api.MappingPattern, error)
}

// EventStore is an append-only history store for flow events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.FlowEvent) error
	ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	return nil, nil
}

// Stores bundles the store interfaces so the engines can depend on a single
// abstraction.
type Stores struct {
	Flows     FlowStore
	Assets    AssetStore
	Conflicts ConflictStore
	Sources   SourceStore
	Patterns  PatternStore
	Events    EventStore
}
