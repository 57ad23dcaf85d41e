package api

import "time"

// AssetLifecycle represents the lifecycle state of a canonical asset.
// Assets are never physically deleted; retirement is a state change.
type AssetLifecycle string

const (
	AssetDiscovered AssetLifecycle = "DISCOVERED"
	AssetEnriched   AssetLifecycle = "ENRICHED"
	AssetReconciled AssetLifecycle = "RECONCILED"
	AssetRetired    AssetLifecycle = "RETIRED"
)

// Attribute is one attribute value with its source attribution.
type Attribute struct {
	Value     any
	SourceID  string
	UpdatedAt time.Time
}

// Asset is the deduplicated, merged representation of a discovered entity.
//
// Owned by the reconciliation engine. Version is only ever incremented
// through the store's atomic CommitMerge operation, which writes the asset
// and its AssetVersion record together, so Version always equals the count
// of version records.
type Asset struct {
	ID    string
	Scope TenantScope
	Type  string

	// Identifier is the external unique identifier when one is known
	// (primary match key). Name+Type form the composite fallback key.
	Identifier string
	Name       string

	Attributes map[string]Attribute

	Confidence float64
	Version    int
	Lifecycle  AssetLifecycle

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FieldChange records one attribute transition inside an asset version.
type FieldChange struct {
	Field    string
	Previous any
	New      any
	SourceID string
}

// AssetVersion is the immutable, append-only record of one committed merge.
type AssetVersion struct {
	AssetID  string
	Version  int
	Changes  []FieldChange
	SourceID string
	ImportID string
	Actor    string
	At       time.Time
}

// ConflictType classifies a detected disagreement between existing and
// incoming attribute data.
type ConflictType string

const (
	ConflictValueMismatch     ConflictType = "VALUE_MISMATCH"
	ConflictTypeMismatch      ConflictType = "TYPE_MISMATCH"
	ConflictMissingInNew      ConflictType = "MISSING_IN_NEW"
	ConflictMissingInExisting ConflictType = "MISSING_IN_EXISTING"
	ConflictSuspiciousChange  ConflictType = "SUSPICIOUS_CHANGE"
)

// Severity orders conflicts for resolution. Identity-bearing attributes are
// always SeverityCritical.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns a sortable weight; higher means more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ConflictValue is one competing value with its source attribution.
type ConflictValue struct {
	Value    any
	SourceID string
}

// ResolutionKind is the closed set of conflict resolutions.
type ResolutionKind string

const (
	ResolveAcceptNew         ResolutionKind = "ACCEPT_NEW"
	ResolveKeepExisting      ResolutionKind = "KEEP_EXISTING"
	ResolveManualValue       ResolutionKind = "MANUAL_VALUE"
	ResolveBulkApplyStrategy ResolutionKind = "BULK_APPLY_STRATEGY"
)

// Resolution is a caller-supplied decision for an open conflict.
type Resolution struct {
	Kind        ResolutionKind
	ManualValue any
	Strategy    MergeStrategyKind
	Actor       string
}

// ResolutionDetail records how a conflict was closed. Resolving a conflict
// is itself versioned: the winning value is committed as a new AssetVersion.
type ResolutionDetail struct {
	Kind        ResolutionKind
	ChosenValue any
	Actor       string
	At          time.Time
}

// ConflictRecord is a detected disagreement queued for resolution.
// Mutated exactly once, when resolved.
type ConflictRecord struct {
	ID        string
	AssetID   string
	Scope     TenantScope
	FlowID    string
	Attribute string

	Type     ConflictType
	Severity Severity

	Existing ConflictValue
	Incoming ConflictValue

	Resolved   bool
	Resolution *ResolutionDetail

	DetectedAt time.Time
}

// MergeStrategyKind is the closed set of merge strategy variants, selected
// via explicit configuration and dispatched through the MergeStrategy
// interface. There is no runtime type inspection.
type MergeStrategyKind string

const (
	MergeConfidenceBased MergeStrategyKind = "confidence_based"
	MergeNewestWins      MergeStrategyKind = "newest_wins"
	MergeAuthoritative   MergeStrategyKind = "authoritative"
	MergeCustom          MergeStrategyKind = "custom"
)

// DataSource describes where attribute data came from. Referenced by asset
// and conflict records, never embedded.
type DataSource struct {
	ID   string
	Type string

	// Reliability is kept in [0,1] and re-evaluated over time from the
	// accepted/overridden counters.
	Reliability float64

	// AuthoritativeFor lists attribute names this source owns under the
	// authoritative merge strategy.
	AuthoritativeFor []string

	Ingests    int
	Accepted   int
	Overridden int
}

// Authoritative reports whether the source is authoritative for attr.
func (d DataSource) Authoritative(attr string) bool {
	for _, a := range d.AuthoritativeFor {
		if a == attr {
			return true
		}
	}
	return false
}

// SourceInfo tags one ingestion batch. FlowID is set when the batch is
// ingested on behalf of a flow phase, so resulting conflicts can be listed
// per flow.
type SourceInfo struct {
	SourceID string
	ImportID string
	FlowID   string
}

// IncomingRecord is one parsed attribute map handed to the reconciliation
// engine by the (external) raw ingestion layer. The core never parses files.
type IncomingRecord struct {
	Identifier string
	Name       string
	Type       string
	Fields     map[string]any
}

// IngestResult reports what one ingestion batch changed.
type IngestResult struct {
	UpdatedAssets []*Asset
	NewAssets     []*Asset
	Conflicts     []*ConflictRecord
}
