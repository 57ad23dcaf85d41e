// Package pattern implements the pattern learning repository: reusable
// source-field to canonical-field mapping rules whose confidence evolves
// with use.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/internal/store"
	"github.com/convergehq/converge/pkg/api"
)

// Config tunes matching and confidence evolution. Zero values fall back to
// the defaults below.
type Config struct {
	// Confidence bounds. Every pattern's confidence stays inside
	// [MinConfidence, MaxConfidence] after any evolution step.
	MinConfidence float64
	MaxConfidence float64

	// InitialConfidence is assigned to newly learned patterns.
	InitialConfidence float64

	// AcceptanceThreshold is the minimum confidence * recency score for a
	// suggestion to be applied. Fields below threshold fall back to ad hoc
	// inference outside this core.
	AcceptanceThreshold float64

	// SuccessStep / FailurePenalty are the base adjustment magnitudes.
	// The applied adjustment is step / (1 + DampingK * usage_count), so the
	// step shrinks as the pattern stabilizes.
	SuccessStep    float64
	FailurePenalty float64
	DampingK       float64

	// RecencyHalfLife controls the recency weight used in lookup ranking.
	RecencyHalfLife time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MinConfidence == 0 && c.MaxConfidence == 0 {
		c.MinConfidence, c.MaxConfidence = 0.05, 0.99
	}
	if c.InitialConfidence == 0 {
		c.InitialConfidence = 0.5
	}
	if c.AcceptanceThreshold == 0 {
		c.AcceptanceThreshold = 0.6
	}
	if c.SuccessStep == 0 {
		c.SuccessStep = 0.05
	}
	if c.FailurePenalty == 0 {
		c.FailurePenalty = 0.10
	}
	if c.DampingK == 0 {
		c.DampingK = 0.1
	}
	if c.RecencyHalfLife == 0 {
		c.RecencyHalfLife = 90 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Repository implements api.PatternRepo on top of a store.PatternStore.
type Repository struct {
	patterns store.PatternStore
	cfg      Config

	mu     sync.RWMutex
	optIns map[string]bool // clientID -> sharing opt-in
}

// Ensure Repository implements the interface.
var _ api.PatternRepo = (*Repository)(nil)

// NewRepository creates a Repository over the given pattern store.
func NewRepository(patterns store.PatternStore, cfg Config) *Repository {
	return &Repository{
		patterns: patterns,
		cfg:      cfg.withDefaults(),
		optIns:   make(map[string]bool),
	}
}

// OptInSharing records a tenant's explicit consent to global promotion of
// its patterns.
func (r *Repository) OptInSharing(clientID string, optIn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optIns[clientID] = optIn
}

func (r *Repository) sharingAllowed(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.optIns[clientID]
}

// normalizeField canonicalizes a source field name for matching.
func normalizeField(field string) string {
	f := strings.ToLower(strings.TrimSpace(field))
	f = strings.ReplaceAll(f, " ", "_")
	f = strings.ReplaceAll(f, "-", "_")
	return f
}

// recencyWeight decays from 1.0 by half every RecencyHalfLife since last use.
func (r *Repository) recencyWeight(lastUsed time.Time) float64 {
	if lastUsed.IsZero() {
		return 1.0
	}
	age := r.cfg.Now().Sub(lastUsed)
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-float64(age) / float64(r.cfg.RecencyHalfLife))
}

// ApplyPatterns ranks active patterns visible to the tenant by
// confidence * recency weight and returns one suggestion per source field
// that clears the acceptance threshold.
func (r *Repository) ApplyPatterns(ctx context.Context, scope api.TenantScope, sourceFields []string) ([]api.MappingSuggestion, error) {
	visible, err := r.patterns.ListVisible(ctx, scope)
	if err != nil {
		return nil, err
	}

	byPattern := make(map[string][]*api.MappingPattern)
	for _, p := range visible {
		if !p.Active {
			continue
		}
		byPattern[p.SourcePattern] = append(byPattern[p.SourcePattern], p)
	}

	var suggestions []api.MappingSuggestion
	for _, field := range sourceFields {
		candidates := byPattern[normalizeField(field)]
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			si := candidates[i].Confidence * r.recencyWeight(candidates[i].LastUsed)
			sj := candidates[j].Confidence * r.recencyWeight(candidates[j].LastUsed)
			return si > sj
		})
		best := candidates[0]
		score := best.Confidence * r.recencyWeight(best.LastUsed)
		if score < r.cfg.AcceptanceThreshold {
			continue
		}
		suggestions = append(suggestions, api.MappingSuggestion{
			SourceField: field,
			TargetField: best.TargetField,
			Confidence:  score,
			PatternID:   best.ID,
		})
	}
	return suggestions, nil
}

// evolve applies one outcome to a pattern in place. usage is counted
// including the outcome being applied, so the very first success adjusts by
// step / (1 + k).
func (r *Repository) evolve(p *api.MappingPattern, success bool, feedback *float64) {
	p.Usage++
	if success {
		p.Successes++
	} else {
		p.Failures++
	}

	step := r.cfg.SuccessStep
	if !success {
		step = r.cfg.FailurePenalty
	}
	adjustment := step / (1 + r.cfg.DampingK*float64(p.Usage))
	if feedback != nil {
		f := *feedback
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		adjustment *= f
	}
	if !success {
		adjustment = -adjustment
	}

	p.Confidence = clamp(p.Confidence+adjustment, r.cfg.MinConfidence, r.cfg.MaxConfidence)
	p.LastUsed = r.cfg.Now()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// findForScope locates the pattern a Learn call should evolve, searching
// engagement, then tenant, then global scope.
func (r *Repository) findForScope(ctx context.Context, scope api.TenantScope, sourcePattern, targetField string) (*api.MappingPattern, error) {
	for _, level := range []api.PatternScope{api.ScopeEngagement, api.ScopeTenant, api.ScopeGlobal} {
		p, err := r.patterns.FindPattern(ctx, scope, level, sourcePattern, targetField)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrPatternNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrPatternNotFound
}

// Learn records a confirmed or rejected mapping. A confirmed mapping with
// no matching pattern creates one at tenant scope; a rejection with no
// matching pattern is a no-op.
func (r *Repository) Learn(ctx context.Context, scope api.TenantScope, m Mapping, outcome api.Outcome) error {
	if m.SourceField == "" || m.TargetField == "" {
		return api.NewValidationError("pattern.Learn", "source and target fields are required")
	}

	sourcePattern := normalizeField(m.SourceField)
	p, err := r.findForScope(ctx, scope, sourcePattern, m.TargetField)
	if err != nil {
		if !errors.Is(err, store.ErrPatternNotFound) {
			return err
		}
		if !outcome.Success {
			return nil
		}
		p = &api.MappingPattern{
			ID:            uuid.NewString(),
			Scope:         api.ScopeTenant,
			ClientID:      scope.ClientID,
			SourcePattern: sourcePattern,
			TargetField:   m.TargetField,
			Confidence:    r.cfg.InitialConfidence,
			Active:        true,
		}
		if m.Example != "" {
			p.Examples = []string{m.Example}
		}
		r.evolve(p, true, outcome.Feedback)
		return r.patterns.SavePattern(ctx, p)
	}

	if m.Example != "" && len(p.Examples) < 16 {
		p.Examples = append(p.Examples, m.Example)
	}
	r.evolve(p, outcome.Success, outcome.Feedback)
	return r.patterns.UpdatePattern(ctx, p)
}

// Mapping aliases the api type so callers inside this package read naturally.
type Mapping = api.Mapping

// EvolveConfidence applies a single success/failure outcome to the given
// pattern and returns the new clamped confidence.
func (r *Repository) EvolveConfidence(ctx context.Context, patternID string, success bool, feedback *float64) (float64, error) {
	p, err := r.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return 0, err
	}
	if !p.Active {
		return 0, api.NewValidationError("pattern.EvolveConfidence", "pattern %s is inactive", patternID)
	}
	r.evolve(p, success, feedback)
	if err := r.patterns.UpdatePattern(ctx, p); err != nil {
		return 0, err
	}
	return p.Confidence, nil
}

// Deactivate retires a pattern from lookup without deleting it.
func (r *Repository) Deactivate(ctx context.Context, patternID string) error {
	p, err := r.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return err
	}
	p.Active = false
	return r.patterns.UpdatePattern(ctx, p)
}

// PromoteToGlobal shares a tenant or engagement pattern globally. It
// requires an explicit sharing opt-in from the owning tenant and a non-nil
// anonymization policy, which is applied to every stored example value.
func (r *Repository) PromoteToGlobal(ctx context.Context, patternID string, policy api.AnonymizationPolicy) error {
	if policy == nil {
		return api.NewValidationError("pattern.PromoteToGlobal", "anonymization policy is required")
	}
	p, err := r.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return err
	}
	if p.Scope == api.ScopeGlobal {
		return nil
	}
	if !r.sharingAllowed(p.ClientID) {
		return api.NewValidationError("pattern.PromoteToGlobal", "tenant %s has not opted in to pattern sharing", p.ClientID)
	}

	anonymized := make([]string, 0, len(p.Examples))
	for _, ex := range p.Examples {
		anonymized = append(anonymized, policy(ex))
	}
	p.Examples = anonymized
	p.Scope = api.ScopeGlobal
	p.ClientID = ""
	p.EngagementID = ""
	return r.patterns.UpdatePattern(ctx, p)
}

// HashAnonymizer is a ready-made AnonymizationPolicy replacing each example
// with a stable, non-reversible token.
func HashAnonymizer(example string) string {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(example); i++ {
		h ^= uint64(example[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("example-%x", h)
}
