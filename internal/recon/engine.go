// Package recon implements the asset reconciliation engine: matching
// incoming attribute data to canonical assets, merging per a configured
// strategy, detecting and resolving conflicts, and recording version
// lineage.
package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// Strategy selects the merge variant. Defaults to MergeConfidenceBased.
	Strategy api.MergeStrategyKind

	// CustomMerge backs the MergeCustom variant.
	CustomMerge CustomMergeFunc

	// IdentityAttributes overrides the attribute names treated as
	// identity-bearing (and therefore critical on conflict).
	IdentityAttributes []string

	// SuspiciousDriftThreshold is the relative numeric divergence beyond
	// which a change is flagged suspicious. Defaults to 0.5.
	SuspiciousDriftThreshold float64

	// MaxConcurrentMerges bounds the merge fan-out within one Ingest batch.
	// Merges for the same asset are always serialized regardless.
	MaxConcurrentMerges int

	// DefaultSourceReliability is assigned to sources seen for the first
	// time. Defaults to 0.5.
	DefaultSourceReliability float64

	// ReliabilityMinSample is the accepted+overridden count below which a
	// source's reliability is not re-evaluated. Defaults to 10.
	ReliabilityMinSample int

	Observer api.Observer
	Events   api.EventSink

	// Now is overridable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SuspiciousDriftThreshold == 0 {
		c.SuspiciousDriftThreshold = 0.5
	}
	if c.MaxConcurrentMerges <= 0 {
		c.MaxConcurrentMerges = 4
	}
	if c.DefaultSourceReliability == 0 {
		c.DefaultSourceReliability = 0.5
	}
	if c.ReliabilityMinSample == 0 {
		c.ReliabilityMinSample = 10
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Events == nil {
		c.Events = api.NoopSink{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine implements api.Reconciler.
type Engine struct {
	stores   store.Stores
	patterns api.PatternRepo
	strategy MergeStrategy
	detector *ConflictDetector
	cfg      Config

	locks keyedLocks
}

var _ api.Reconciler = (*Engine)(nil)

// NewEngine builds a reconciliation engine over the given stores. patterns
// may be nil; field mapping is then skipped and source field names are used
// as-is (normalized).
func NewEngine(stores store.Stores, patterns api.PatternRepo, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	strategy, err := NewMergeStrategy(cfg.Strategy, cfg.CustomMerge)
	if err != nil {
		return nil, err
	}
	return &Engine{
		stores:   stores,
		patterns: patterns,
		strategy: strategy,
		detector: NewConflictDetector(cfg.IdentityAttributes, cfg.SuspiciousDriftThreshold),
		cfg:      cfg,
		locks:    keyedLocks{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// Strategy returns the configured merge strategy kind.
func (e *Engine) Strategy() api.MergeStrategyKind { return e.strategy.Kind() }

// Ingest reconciles a batch of records from one source against the tenant's
// canonical assets. Records matching distinct assets merge concurrently up
// to the configured bound; merges for the same asset are serialized by a
// per-asset lock.
func (e *Engine) Ingest(ctx context.Context, scope api.TenantScope, records []api.IncomingRecord, source api.SourceInfo) (*api.IngestResult, error) {
	if scope.ClientID == "" {
		return nil, api.NewValidationError("recon.Ingest", "tenant scope is required")
	}
	if source.SourceID == "" {
		return nil, api.NewValidationError("recon.Ingest", "source id is required")
	}

	src, err := e.loadOrRegisterSource(ctx, source.SourceID)
	if err != nil {
		return nil, err
	}

	fieldMap, err := e.resolveFieldMappings(ctx, scope, records)
	if err != nil {
		return nil, err
	}

	result := &api.IngestResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentMerges)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			updated, created, conflicts, err := e.ingestRecord(gctx, scope, rec, src, source, fieldMap)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if created != nil {
				result.NewAssets = append(result.NewAssets, created)
			}
			if updated != nil {
				result.UpdatedAssets = append(result.UpdatedAssets, updated)
			}
			result.Conflicts = append(result.Conflicts, conflicts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.recordSourceUsage(ctx, src.ID, result.Conflicts); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) loadOrRegisterSource(ctx context.Context, id string) (*api.DataSource, error) {
	src, err := e.stores.Sources.GetSource(ctx, id)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, store.ErrSourceNotFound) {
		return nil, err
	}
	src = &api.DataSource{ID: id, Reliability: e.cfg.DefaultSourceReliability}
	if err := e.stores.Sources.SaveSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

// resolveFieldMappings consults the pattern repository once per batch and
// returns a normalized-source-field -> target-field map for every field
// with an accepted suggestion.
func (e *Engine) resolveFieldMappings(ctx context.Context, scope api.TenantScope, records []api.IncomingRecord) (map[string]string, error) {
	if e.patterns == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	var fields []string
	for _, rec := range records {
		for f := range rec.Fields {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	suggestions, err := e.patterns.ApplyPatterns(ctx, scope, fields)
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(suggestions))
	for _, s := range suggestions {
		mapping[s.SourceField] = s.TargetField
	}
	return mapping, nil
}

// canonicalAttributes renames a record's fields through the mapping and
// stamps source attribution.
func (e *Engine) canonicalAttributes(rec api.IncomingRecord, src *api.DataSource, fieldMap map[string]string, now time.Time) map[string]api.Attribute {
	attrs := make(map[string]api.Attribute, len(rec.Fields))
	for field, value := range rec.Fields {
		name := normalizeAttr(field)
		if target, ok := fieldMap[field]; ok {
			name = target
		}
		attrs[name] = api.Attribute{Value: value, SourceID: src.ID, UpdatedAt: now}
	}
	return attrs
}

func (e *Engine) ingestRecord(ctx context.Context, scope api.TenantScope, rec api.IncomingRecord, src *api.DataSource, info api.SourceInfo, fieldMap map[string]string) (updated, created *api.Asset, conflicts []*api.ConflictRecord, err error) {
	now := e.cfg.Now()
	incoming := e.canonicalAttributes(rec, src, fieldMap, now)

	// An asset that does not exist yet has no ID to lock on, so the
	// match-or-create decision is serialized on the record's natural key.
	// A concurrent record carrying the same key then matches the asset the
	// first one created instead of creating a second canonical asset.
	unlockKey := e.locks.lock(naturalKey(scope, rec))
	existing, err := e.matchAsset(ctx, scope, rec)
	if errors.Is(err, store.ErrAssetNotFound) {
		created, err = e.createAsset(ctx, scope, rec, incoming, src, info, now)
		if !errors.Is(err, store.ErrDuplicateAsset) {
			unlockKey()
			return nil, created, nil, err
		}
		// Another process inserted the identifier first; merge into its
		// asset instead.
		created = nil
		existing, err = e.matchAsset(ctx, scope, rec)
	}
	unlockKey()
	if err != nil {
		return nil, nil, nil, err
	}

	unlock := e.locks.lock(existing.ID)
	defer unlock()

	// Reload under the lock; the matched snapshot may be stale.
	existing, err = e.stores.Assets.GetAsset(ctx, scope, existing.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !existing.Scope.SameTenant(scope) {
		return nil, nil, nil, api.NewTenantIsolationError(scope.Key(), existing.Scope.Key())
	}

	in := MergeInput{
		Existing: existing.Attributes,
		Incoming: incoming,
		Source:   *src,
		Sources:  e.sourcesFor(ctx, existing.Attributes),
		Now:      now,
	}

	conflicts = e.detector.Detect(existing, info.FlowID, incoming, now)
	merged := e.strategy.Merge(in)
	e.autoResolve(conflicts, in, merged, now)

	changes := diffAttributes(existing.Attributes, merged, src.ID)
	if len(changes) > 0 {
		existing.Attributes = merged
		existing.Version++
		existing.Lifecycle = api.AssetReconciled
		if src.Reliability > existing.Confidence {
			existing.Confidence = src.Reliability
		}
		existing.UpdatedAt = now
		v := api.AssetVersion{
			AssetID:  existing.ID,
			Version:  existing.Version,
			Changes:  changes,
			SourceID: src.ID,
			ImportID: info.ImportID,
			Actor:    "system:ingest",
			At:       now,
		}
		if err := e.stores.Assets.CommitMerge(ctx, existing, v); err != nil {
			return nil, nil, nil, err
		}
		updated = existing
	}

	if err := e.saveConflicts(ctx, conflicts); err != nil {
		return nil, nil, nil, err
	}
	return updated, nil, conflicts, nil
}

// matchAsset finds the canonical asset for a record: exact identifier match
// first, then the name+type composite key. First match wins.
func (e *Engine) matchAsset(ctx context.Context, scope api.TenantScope, rec api.IncomingRecord) (*api.Asset, error) {
	if rec.Identifier != "" {
		a, err := e.stores.Assets.FindByIdentifier(ctx, scope, rec.Identifier)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, store.ErrAssetNotFound) {
			return nil, err
		}
	}
	if rec.Name != "" && rec.Type != "" {
		return e.stores.Assets.FindByNameType(ctx, scope, rec.Name, rec.Type)
	}
	return nil, store.ErrAssetNotFound
}

func (e *Engine) createAsset(ctx context.Context, scope api.TenantScope, rec api.IncomingRecord, attrs map[string]api.Attribute, src *api.DataSource, info api.SourceInfo, now time.Time) (*api.Asset, error) {
	asset := &api.Asset{
		ID:         uuid.NewString(),
		Scope:      scope,
		Type:       rec.Type,
		Identifier: rec.Identifier,
		Name:       rec.Name,
		Attributes: attrs,
		Confidence: src.Reliability,
		Version:    1,
		Lifecycle:  api.AssetDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	changes := make([]api.FieldChange, 0, len(attrs))
	for name, attr := range attrs {
		changes = append(changes, api.FieldChange{Field: name, New: attr.Value, SourceID: src.ID})
	}
	v := api.AssetVersion{
		AssetID:  asset.ID,
		Version:  1,
		Changes:  changes,
		SourceID: src.ID,
		ImportID: info.ImportID,
		Actor:    "system:ingest",
		At:       now,
	}
	if err := e.stores.Assets.CreateAsset(ctx, asset, v); err != nil {
		return nil, err
	}
	return asset, nil
}

// sourcesFor loads the data sources attributed on the existing attributes so
// the merge strategy can compare reliabilities. Unknown sources are simply
// absent from the map.
func (e *Engine) sourcesFor(ctx context.Context, attrs map[string]api.Attribute) map[string]api.DataSource {
	out := make(map[string]api.DataSource)
	for _, attr := range attrs {
		if attr.SourceID == "" {
			continue
		}
		if _, ok := out[attr.SourceID]; ok {
			continue
		}
		if s, err := e.stores.Sources.GetSource(ctx, attr.SourceID); err == nil {
			out[attr.SourceID] = *s
		}
	}
	return out
}

// autoResolve closes value-mismatch conflicts whose merge pick was decisive.
// The winning value is already committed by the merge; the conflict record
// documents the decision.
func (e *Engine) autoResolve(conflicts []*api.ConflictRecord, in MergeInput, merged map[string]api.Attribute, now time.Time) {
	for _, c := range conflicts {
		if c.Type != api.ConflictValueMismatch {
			continue
		}
		existingAttr, ok := in.Existing[c.Attribute]
		if !ok || !e.strategy.Decisive(c.Attribute, existingAttr, in) {
			continue
		}
		winner := merged[c.Attribute]
		kind := api.ResolveKeepExisting
		if winner.SourceID == in.Source.ID && !equalValues(winner.Value, existingAttr.Value) {
			kind = api.ResolveAcceptNew
		}
		c.Resolved = true
		c.Resolution = &api.ResolutionDetail{
			Kind:        kind,
			ChosenValue: winner.Value,
			Actor:       "system:" + string(e.strategy.Kind()),
			At:          now,
		}
	}
}

func (e *Engine) saveConflicts(ctx context.Context, conflicts []*api.ConflictRecord) error {
	for _, c := range conflicts {
		if err := e.stores.Conflicts.SaveConflict(ctx, c); err != nil {
			return err
		}
		e.cfg.Observer.OnConflictDetected(ctx, c)
		e.cfg.Events.Publish(ctx, api.FlowEvent{
			FlowID: c.FlowID,
			At:     c.DetectedAt,
			Type:   api.EventConflictDetected,
			Detail: fmt.Sprintf("%s %s on %s", c.Severity, c.Type, c.Attribute),
		})
	}
	return nil
}

// recordSourceUsage bumps the source's counters from the batch outcome and
// re-evaluates its reliability once enough decisions have accumulated.
func (e *Engine) recordSourceUsage(ctx context.Context, sourceID string, conflicts []*api.ConflictRecord) error {
	src, err := e.stores.Sources.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	src.Ingests++
	for _, c := range conflicts {
		if !c.Resolved || c.Resolution == nil {
			continue
		}
		switch c.Resolution.Kind {
		case api.ResolveAcceptNew:
			src.Accepted++
		case api.ResolveKeepExisting:
			src.Overridden++
		}
	}
	if decided := src.Accepted + src.Overridden; decided >= e.cfg.ReliabilityMinSample {
		ratio := float64(src.Accepted) / float64(decided)
		src.Reliability = clampScore(0.75*src.Reliability + 0.25*ratio)
	}
	return e.stores.Sources.UpdateSource(ctx, src)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// diffAttributes lists the attributes whose value changed between the old
// and merged maps.
func diffAttributes(old, merged map[string]api.Attribute, sourceID string) []api.FieldChange {
	var changes []api.FieldChange
	for attr, m := range merged {
		o, ok := old[attr]
		if ok && equalValues(o.Value, m.Value) {
			continue
		}
		fc := api.FieldChange{Field: attr, New: m.Value, SourceID: m.SourceID}
		if ok {
			fc.Previous = o.Value
		}
		if fc.SourceID == "" {
			fc.SourceID = sourceID
		}
		changes = append(changes, fc)
	}
	return changes
}

// ResolveConflict applies a resolution decision and commits the outcome as
// a new asset version. BulkApplyStrategy additionally closes every other
// open conflict on the same asset using the configured merge strategy.
func (e *Engine) ResolveConflict(ctx context.Context, scope api.TenantScope, conflictID string, res Resolution) (*api.AssetVersion, error) {
	c, err := e.stores.Conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !c.Scope.SameTenant(scope) {
		return nil, api.NewTenantIsolationError(scope.Key(), c.Scope.Key())
	}
	if c.Resolved {
		return nil, store.ErrConflictResolved
	}

	targets := []*api.ConflictRecord{c}
	if res.Kind == api.ResolveBulkApplyStrategy {
		open, err := e.stores.Conflicts.ListOpenConflicts(ctx, scope, "")
		if err != nil {
			return nil, err
		}
		for _, o := range open {
			if o.AssetID == c.AssetID && o.ID != c.ID {
				targets = append(targets, o)
			}
		}
	}

	unlock := e.locks.lock(c.AssetID)
	defer unlock()

	asset, err := e.stores.Assets.GetAsset(ctx, scope, c.AssetID)
	if err != nil {
		return nil, err
	}

	now := e.cfg.Now()
	var changes []api.FieldChange
	for _, target := range targets {
		value, sourceID, kind, err := e.chooseResolution(ctx, target, res)
		if err != nil {
			return nil, err
		}

		prev := asset.Attributes[target.Attribute]
		changes = append(changes, api.FieldChange{
			Field:    target.Attribute,
			Previous: prev.Value,
			New:      value,
			SourceID: sourceID,
		})
		if !equalValues(prev.Value, value) {
			asset.Attributes[target.Attribute] = api.Attribute{Value: value, SourceID: sourceID, UpdatedAt: now}
		}

		detail := api.ResolutionDetail{Kind: kind, ChosenValue: value, Actor: res.Actor, At: now}
		if err := e.stores.Conflicts.ResolveConflict(ctx, target.ID, detail); err != nil {
			return nil, err
		}
		e.cfg.Events.Publish(ctx, api.FlowEvent{
			FlowID: target.FlowID,
			At:     now,
			Type:   api.EventConflictResolved,
			Detail: fmt.Sprintf("%s on %s by %s", kind, target.Attribute, res.Actor),
		})
	}

	asset.Version++
	asset.Lifecycle = api.AssetReconciled
	asset.UpdatedAt = now
	v := api.AssetVersion{
		AssetID: asset.ID,
		Version: asset.Version,
		Changes: changes,
		Actor:   res.Actor,
		At:      now,
	}
	if err := e.stores.Assets.CommitMerge(ctx, asset, v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Resolution aliases the api type for in-package readability.
type Resolution = api.Resolution

// chooseResolution picks the winning value, its attribution and the
// effective resolution kind for one conflict.
func (e *Engine) chooseResolution(ctx context.Context, c *api.ConflictRecord, res Resolution) (any, string, api.ResolutionKind, error) {
	switch res.Kind {
	case api.ResolveAcceptNew:
		return c.Incoming.Value, c.Incoming.SourceID, res.Kind, nil
	case api.ResolveKeepExisting:
		return c.Existing.Value, c.Existing.SourceID, res.Kind, nil
	case api.ResolveManualValue:
		return res.ManualValue, "manual:" + res.Actor, res.Kind, nil
	case api.ResolveBulkApplyStrategy:
		strategy := e.strategy
		if res.Strategy != "" && res.Strategy != e.strategy.Kind() {
			s, err := NewMergeStrategy(res.Strategy, e.cfg.CustomMerge)
			if err != nil {
				return nil, "", "", err
			}
			strategy = s
		}
		incSrc, err := e.loadOrRegisterSource(ctx, c.Incoming.SourceID)
		if err != nil {
			return nil, "", "", err
		}
		in := MergeInput{
			Existing: map[string]api.Attribute{c.Attribute: {Value: c.Existing.Value, SourceID: c.Existing.SourceID}},
			Incoming: map[string]api.Attribute{c.Attribute: {Value: c.Incoming.Value, SourceID: c.Incoming.SourceID}},
			Source:   *incSrc,
			Sources:  e.sourcesFor(ctx, map[string]api.Attribute{c.Attribute: {SourceID: c.Existing.SourceID}}),
			Now:      e.cfg.Now(),
		}
		winner := strategy.Merge(in)[c.Attribute]
		kind := api.ResolveKeepExisting
		if winner.SourceID == c.Incoming.SourceID && !equalValues(winner.Value, c.Existing.Value) {
			kind = api.ResolveAcceptNew
		}
		return winner.Value, winner.SourceID, kind, nil
	default:
		return nil, "", "", api.NewValidationError("recon.ResolveConflict", "unknown resolution kind %q", res.Kind)
	}
}

// OpenConflicts lists unresolved conflicts for the scope, most urgent first.
func (e *Engine) OpenConflicts(ctx context.Context, scope api.TenantScope, flowID string) ([]*api.ConflictRecord, error) {
	return e.stores.Conflicts.ListOpenConflicts(ctx, scope, flowID)
}

// GetLineage returns the asset's full version history, oldest first.
func (e *Engine) GetLineage(ctx context.Context, scope api.TenantScope, assetID string) ([]api.AssetVersion, error) {
	asset, err := e.stores.Assets.GetAsset(ctx, scope, assetID)
	if err != nil {
		return nil, err
	}
	if !asset.Scope.SameTenant(scope) {
		return nil, api.NewTenantIsolationError(scope.Key(), asset.Scope.Key())
	}
	return e.stores.Assets.ListVersions(ctx, assetID)
}

// DependencyCycles builds the relationship graph over the tenant's assets
// from the given attribute (whose value is an asset identifier or a list of
// them) and returns any cycles found.
func (e *Engine) DependencyCycles(ctx context.Context, scope api.TenantScope, relationAttr string) ([][]string, error) {
	assets, err := e.stores.Assets.ListAssets(ctx, scope)
	if err != nil {
		return nil, err
	}

	byIdentifier := make(map[string]string, len(assets))
	for _, a := range assets {
		if a.Identifier != "" {
			byIdentifier[a.Identifier] = a.ID
		}
	}

	g := NewAssetGraph()
	for _, a := range assets {
		g.AddNode(a.ID)
		attr, ok := a.Attributes[relationAttr]
		if !ok {
			continue
		}
		for _, ref := range identifierList(attr.Value) {
			if to, ok := byIdentifier[ref]; ok {
				g.AddEdge(a.ID, to)
			}
		}
	}
	return g.Cycles(), nil
}

func identifierList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// normalizeAttr canonicalizes an unmapped source field name.
func normalizeAttr(field string) string {
	f := strings.ToLower(strings.TrimSpace(field))
	f = strings.ReplaceAll(f, " ", "_")
	f = strings.ReplaceAll(f, "-", "_")
	return f
}

// naturalKey is the lock key for a record's tenant-scoped identity:
// the identifier when present, the name+type composite otherwise. It
// mirrors the lookup order of matchAsset.
func naturalKey(scope api.TenantScope, rec api.IncomingRecord) string {
	if rec.Identifier != "" {
		return scope.Key() + "|id|" + rec.Identifier
	}
	return scope.Key() + "|nt|" + rec.Name + "|" + rec.Type
}

// keyedLocks serializes merges per asset id and creations per natural key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
