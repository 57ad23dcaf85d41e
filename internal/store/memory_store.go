package store

import (
	"context"
	"sort"
	"sync"

	"github.com/convergehq/converge/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all store interfaces
// backed by maps. Non-durable; intended for tests and local development.
type InMemoryStore struct {
	mu sync.RWMutex

	flows      map[string]*api.FlowInstance
	executions map[string][]api.PhaseExecution

	assets   map[string]*api.Asset
	versions map[string][]api.AssetVersion

	conflicts map[string]*api.ConflictRecord
	sources   map[string]*api.DataSource
	patterns  map[string]*api.MappingPattern

	events map[string][]api.FlowEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[string]*api.FlowInstance),
		executions: make(map[string][]api.PhaseExecution),
		assets:     make(map[string]*api.Asset),
		versions:   make(map[string][]api.AssetVersion),
		conflicts:  make(map[string]*api.ConflictRecord),
		sources:    make(map[string]*api.DataSource),
		patterns:   make(map[string]*api.MappingPattern),
		events:     make(map[string][]api.FlowEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ FlowStore     = (*InMemoryStore)(nil)
	_ AssetStore    = (*InMemoryStore)(nil)
	_ ConflictStore = (*InMemoryStore)(nil)
	_ SourceStore   = (*InMemoryStore)(nil)
	_ PatternStore  = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
)

// Bundle returns a Stores view of this single in-memory store.
func (s *InMemoryStore) Bundle() Stores {
	return Stores{
		Flows:     s,
		Assets:    s,
		Conflicts: s,
		Sources:   s,
		Patterns:  s,
		Events:    s,
	}
}

func cloneFlow(f *api.FlowInstance) *api.FlowInstance {
	cp := *f
	cp.Completed = append([]bool(nil), f.Completed...)
	if f.LastError != nil {
		e := *f.LastError
		cp.LastError = &e
	}
	return &cp
}

func cloneAsset(a *api.Asset) *api.Asset {
	cp := *a
	cp.Attributes = make(map[string]api.Attribute, len(a.Attributes))
	for k, v := range a.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}

func cloneConflict(c *api.ConflictRecord) *api.ConflictRecord {
	cp := *c
	if c.Resolution != nil {
		r := *c.Resolution
		cp.Resolution = &r
	}
	return &cp
}

func clonePattern(p *api.MappingPattern) *api.MappingPattern {
	cp := *p
	cp.Examples = append([]string(nil), p.Examples...)
	return &cp
}

// --- FlowStore ---

func (s *InMemoryStore) SaveFlow(ctx context.Context, f *api.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = cloneFlow(f)
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*api.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

func (s *InMemoryStore) UpdateFlow(ctx context.Context, f *api.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		return ErrFlowNotFound
	}
	s.flows[f.ID] = cloneFlow(f)
	return nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*api.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowInstance
	for _, f := range s.flows {
		if filter.ClientID != "" && f.Scope.ClientID != filter.ClientID {
			continue
		}
		if filter.EngagementID != "" && f.Scope.EngagementID != filter.EngagementID {
			continue
		}
		if filter.FlowType != "" && f.FlowType != filter.FlowType {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !f.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, cloneFlow(f))
	}
	return result, nil
}

func (s *InMemoryStore) CommitTransition(ctx context.Context, f *api.FlowInstance, rec api.PhaseExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		return ErrFlowNotFound
	}
	s.flows[f.ID] = cloneFlow(f)
	s.executions[f.ID] = append(s.executions[f.ID], rec)
	return nil
}

func (s *InMemoryStore) AppendPhaseExecution(ctx context.Context, rec api.PhaseExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[rec.FlowID] = append(s.executions[rec.FlowID], rec)
	return nil
}

func (s *InMemoryStore) ListPhaseExecutions(ctx context.Context, flowID string) ([]api.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.PhaseExecution(nil), s.executions[flowID]...), nil
}

// --- AssetStore ---

func (s *InMemoryStore) CreateAsset(ctx context.Context, a *api.Asset, v api.AssetVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Identifier != "" {
		for _, other := range s.assets {
			if other.Scope.SameTenant(a.Scope) && other.Identifier == a.Identifier {
				return ErrDuplicateAsset
			}
		}
	}
	s.assets[a.ID] = cloneAsset(a)
	s.versions[a.ID] = append(s.versions[a.ID], v)
	return nil
}

func (s *InMemoryStore) CommitMerge(ctx context.Context, a *api.Asset, v api.AssetVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.assets[a.ID]
	if !ok {
		return ErrAssetNotFound
	}
	if existing.Version != v.Version-1 {
		return ErrStaleVersion
	}
	s.assets[a.ID] = cloneAsset(a)
	s.versions[a.ID] = append(s.versions[a.ID], v)
	return nil
}

func (s *InMemoryStore) GetAsset(ctx context.Context, scope api.TenantScope, id string) (*api.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok || !a.Scope.SameTenant(scope) {
		return nil, ErrAssetNotFound
	}
	return cloneAsset(a), nil
}

func (s *InMemoryStore) FindByIdentifier(ctx context.Context, scope api.TenantScope, identifier string) (*api.Asset, error) {
	if identifier == "" {
		return nil, ErrAssetNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.Scope.SameTenant(scope) && a.Identifier == identifier {
			return cloneAsset(a), nil
		}
	}
	return nil, ErrAssetNotFound
}

func (s *InMemoryStore) FindByNameType(ctx context.Context, scope api.TenantScope, name, assetType string) (*api.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.Scope.SameTenant(scope) && a.Name == name && a.Type == assetType {
			return cloneAsset(a), nil
		}
	}
	return nil, ErrAssetNotFound
}

func (s *InMemoryStore) ListAssets(ctx context.Context, scope api.TenantScope) ([]*api.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*api.Asset
	for _, a := range s.assets {
		if a.Scope.SameTenant(scope) {
			result = append(result, cloneAsset(a))
		}
	}
	return result, nil
}

func (s *InMemoryStore) ListVersions(ctx context.Context, assetID string) ([]api.AssetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]api.AssetVersion(nil), s.versions[assetID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- ConflictStore ---

func (s *InMemoryStore) SaveConflict(ctx context.Context, c *api.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (s *InMemoryStore) GetConflict(ctx context.Context, id string) (*api.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	return cloneConflict(c), nil
}

func (s *InMemoryStore) ListOpenConflicts(ctx context.Context, scope api.TenantScope, flowID string) ([]*api.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ConflictRecord
	for _, c := range s.conflicts {
		if c.Resolved || !c.Scope.SameTenant(scope) {
			continue
		}
		if flowID != "" && c.FlowID != flowID {
			continue
		}
		result = append(result, cloneConflict(c))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Severity.Rank() != result[j].Severity.Rank() {
			return result[i].Severity.Rank() > result[j].Severity.Rank()
		}
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ResolveConflict(ctx context.Context, id string, detail api.ResolutionDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return ErrConflictNotFound
	}
	if c.Resolved {
		return ErrConflictResolved
	}
	c.Resolved = true
	d := detail
	c.Resolution = &d
	return nil
}

// --- SourceStore ---

func (s *InMemoryStore) SaveSource(ctx context.Context, src *api.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *src
	cp.AuthoritativeFor = append([]string(nil), src.AuthoritativeFor...)
	s.sources[src.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetSource(ctx context.Context, id string) (*api.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	cp := *src
	cp.AuthoritativeFor = append([]string(nil), src.AuthoritativeFor...)
	return &cp, nil
}

func (s *InMemoryStore) UpdateSource(ctx context.Context, src *api.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; !ok {
		return ErrSourceNotFound
	}
	cp := *src
	cp.AuthoritativeFor = append([]string(nil), src.AuthoritativeFor...)
	s.sources[src.ID] = &cp
	return nil
}

// --- PatternStore ---

func (s *InMemoryStore) SavePattern(ctx context.Context, p *api.MappingPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = clonePattern(p)
	return nil
}

func (s *InMemoryStore) UpdatePattern(ctx context.Context, p *api.MappingPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p.ID]; !ok {
		return ErrPatternNotFound
	}
	s.patterns[p.ID] = clonePattern(p)
	return nil
}

func (s *InMemoryStore) GetPattern(ctx context.Context, id string) (*api.MappingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrPatternNotFound
	}
	return clonePattern(p), nil
}

func (s *InMemoryStore) ListVisible(ctx context.Context, scope api.TenantScope) ([]*api.MappingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.MappingPattern
	for _, p := range s.patterns {
		if patternVisible(p, scope) {
			result = append(result, clonePattern(p))
		}
	}
	return result, nil
}

func (s *InMemoryStore) FindPattern(ctx context.Context, scope api.TenantScope, level api.PatternScope, sourcePattern, targetField string) (*api.MappingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.patterns {
		if p.Scope != level || p.SourcePattern != sourcePattern || p.TargetField != targetField {
			continue
		}
		if !patternVisible(p, scope) {
			continue
		}
		return clonePattern(p), nil
	}
	return nil, ErrPatternNotFound
}

func patternVisible(p *api.MappingPattern, scope api.TenantScope) bool {
	switch p.Scope {
	case api.ScopeGlobal:
		return true
	case api.ScopeTenant:
		return p.ClientID == scope.ClientID
	case api.ScopeEngagement:
		return p.ClientID == scope.ClientID && p.EngagementID == scope.EngagementID
	}
	return false
}

// --- EventStore ---

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.FlowID] = append(s.events[ev.FlowID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.FlowEvent(nil), s.events[flowID]...), nil
}
