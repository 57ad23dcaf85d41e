package recon

import (
	"fmt"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// MergeInput carries everything a strategy may consult. Strategies are pure
// functions of this input; repeated calls with equal inputs return equal
// merged maps.
type MergeInput struct {
	Existing map[string]api.Attribute
	Incoming map[string]api.Attribute

	// Source is the data source the incoming batch came from.
	Source api.DataSource

	// Sources resolves reliability for the sources attributed on existing
	// attributes, keyed by source id. A missing entry is treated as
	// reliability 0.
	Sources map[string]api.DataSource

	// Now stamps winning attributes. Passed in so merges stay deterministic.
	Now time.Time
}

func (in MergeInput) reliabilityOf(sourceID string) float64 {
	if sourceID == in.Source.ID {
		return in.Source.Reliability
	}
	if s, ok := in.Sources[sourceID]; ok {
		return s.Reliability
	}
	return 0
}

// MergeStrategy decides, attribute by attribute, which value survives a
// merge. Variants form a closed set selected by MergeStrategyKind at
// construction; there is no runtime type inspection.
type MergeStrategy interface {
	Kind() api.MergeStrategyKind

	// Merge returns the full merged attribute map. Attributes present only
	// in the existing map are always carried over; a merge never drops data.
	Merge(in MergeInput) map[string]api.Attribute

	// Decisive reports whether the strategy's pick for attr is confident
	// enough for the engine to auto-resolve the value conflict. Undecisive
	// picks still merge deterministically but leave the conflict open.
	Decisive(attr string, existing api.Attribute, in MergeInput) bool
}

// CustomMergeFunc lets embedders plug domain-specific merge rules in as the
// MergeCustom variant.
type CustomMergeFunc func(in MergeInput) map[string]api.Attribute

// NewMergeStrategy builds the strategy for the configured kind. custom is
// required for MergeCustom and ignored otherwise.
func NewMergeStrategy(kind api.MergeStrategyKind, custom CustomMergeFunc) (MergeStrategy, error) {
	switch kind {
	case api.MergeConfidenceBased, "":
		return confidenceBased{}, nil
	case api.MergeNewestWins:
		return newestWins{}, nil
	case api.MergeAuthoritative:
		return authoritative{}, nil
	case api.MergeCustom:
		if custom == nil {
			return nil, api.NewValidationError("recon.NewMergeStrategy", "custom strategy requires a merge function")
		}
		return customStrategy{fn: custom}, nil
	default:
		return nil, api.NewValidationError("recon.NewMergeStrategy", "unknown merge strategy %q", kind)
	}
}

// mergeWith walks the incoming attributes and applies pick to each attribute
// present on both sides. Shared plumbing for the fixed variants.
func mergeWith(in MergeInput, incomingWins func(attr string, existing api.Attribute) bool) map[string]api.Attribute {
	merged := make(map[string]api.Attribute, len(in.Existing)+len(in.Incoming))
	for k, v := range in.Existing {
		merged[k] = v
	}
	for attr, inc := range in.Incoming {
		existing, present := in.Existing[attr]
		if present && equalValues(existing.Value, inc.Value) {
			continue
		}
		if !present || incomingWins(attr, existing) {
			merged[attr] = api.Attribute{Value: inc.Value, SourceID: in.Source.ID, UpdatedAt: in.Now}
		}
	}
	return merged
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// confidenceBased keeps the value from the more reliable source. Ties keep
// the existing value.
type confidenceBased struct{}

func (confidenceBased) Kind() api.MergeStrategyKind { return api.MergeConfidenceBased }

func (confidenceBased) Merge(in MergeInput) map[string]api.Attribute {
	return mergeWith(in, func(attr string, existing api.Attribute) bool {
		return in.Source.Reliability > in.reliabilityOf(existing.SourceID)
	})
}

// decisiveReliabilityMargin is the minimum reliability gap between sources
// for a confidence_based pick to auto-resolve its conflict.
const decisiveReliabilityMargin = 0.15

func (confidenceBased) Decisive(attr string, existing api.Attribute, in MergeInput) bool {
	diff := in.Source.Reliability - in.reliabilityOf(existing.SourceID)
	if diff < 0 {
		diff = -diff
	}
	return diff >= decisiveReliabilityMargin
}

// newestWins always takes the incoming value.
type newestWins struct{}

func (newestWins) Kind() api.MergeStrategyKind { return api.MergeNewestWins }

func (newestWins) Merge(in MergeInput) map[string]api.Attribute {
	return mergeWith(in, func(string, api.Attribute) bool { return true })
}

func (newestWins) Decisive(string, api.Attribute, MergeInput) bool { return true }

// authoritative consults the source authority table. An attribute owned by
// the incoming source takes the incoming value; one owned by the existing
// value's source keeps it; unowned attributes fall back to reliability.
type authoritative struct{}

func (authoritative) Kind() api.MergeStrategyKind { return api.MergeAuthoritative }

func (a authoritative) Merge(in MergeInput) map[string]api.Attribute {
	return mergeWith(in, func(attr string, existing api.Attribute) bool {
		if in.Source.Authoritative(attr) {
			return true
		}
		if owner, ok := in.Sources[existing.SourceID]; ok && owner.Authoritative(attr) {
			return false
		}
		return in.Source.Reliability > in.reliabilityOf(existing.SourceID)
	})
}

func (authoritative) Decisive(attr string, existing api.Attribute, in MergeInput) bool {
	if in.Source.Authoritative(attr) {
		return true
	}
	owner, ok := in.Sources[existing.SourceID]
	return ok && owner.Authoritative(attr)
}

// customStrategy wraps a caller-supplied merge function. Custom picks are
// never auto-resolved; the embedder reviews them through the conflict queue.
type customStrategy struct {
	fn CustomMergeFunc
}

func (customStrategy) Kind() api.MergeStrategyKind { return api.MergeCustom }

func (c customStrategy) Merge(in MergeInput) map[string]api.Attribute {
	return c.fn(in)
}

func (customStrategy) Decisive(string, api.Attribute, MergeInput) bool { return false }
