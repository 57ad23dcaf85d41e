package recon

import (
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/pkg/api"
)

// defaultIdentityAttributes are attribute names treated as identity-bearing
// unless overridden: a disagreement on one of these is always critical.
var defaultIdentityAttributes = []string{
	"identifier",
	"hostname",
	"fqdn",
	"ip_address",
	"mac_address",
	"serial_number",
}

// ConflictDetector classifies disagreements between an asset's existing
// attributes and one incoming record. It runs before every merge commit and
// emits one record per differing attribute, so no disagreement is silently
// dropped.
type ConflictDetector struct {
	identity map[string]bool

	// driftThreshold is the relative distance beyond which a numeric change
	// is additionally flagged suspicious (re-addressing, typos, corruption).
	driftThreshold float64
}

// NewConflictDetector builds a detector. Passing nil identityAttrs keeps the
// default identity set; a driftThreshold of 0 defaults to 0.5.
func NewConflictDetector(identityAttrs []string, driftThreshold float64) *ConflictDetector {
	if identityAttrs == nil {
		identityAttrs = defaultIdentityAttributes
	}
	if driftThreshold == 0 {
		driftThreshold = 0.5
	}
	identity := make(map[string]bool, len(identityAttrs))
	for _, a := range identityAttrs {
		identity[a] = true
	}
	return &ConflictDetector{identity: identity, driftThreshold: driftThreshold}
}

// IdentityBearing reports whether attr carries asset identity.
func (d *ConflictDetector) IdentityBearing(attr string) bool {
	return d.identity[attr]
}

// Detect compares existing and incoming attribute maps and returns one open
// conflict record per disagreement. Suspicious numeric drift produces an
// extra record on top of the value mismatch for the same attribute.
func (d *ConflictDetector) Detect(asset *api.Asset, flowID string, incoming map[string]api.Attribute, now time.Time) []*api.ConflictRecord {
	var conflicts []*api.ConflictRecord

	record := func(attr string, typ api.ConflictType, sev api.Severity, existing, inc api.ConflictValue) {
		if d.identity[attr] {
			sev = api.SeverityCritical
		}
		conflicts = append(conflicts, &api.ConflictRecord{
			ID:         uuid.NewString(),
			AssetID:    asset.ID,
			Scope:      asset.Scope,
			FlowID:     flowID,
			Attribute:  attr,
			Type:       typ,
			Severity:   sev,
			Existing:   existing,
			Incoming:   inc,
			DetectedAt: now,
		})
	}

	for attr, inc := range incoming {
		existing, ok := asset.Attributes[attr]
		if !ok {
			record(attr, api.ConflictMissingInExisting, api.SeverityLow,
				api.ConflictValue{}, api.ConflictValue{Value: inc.Value, SourceID: inc.SourceID})
			continue
		}
		if equalValues(existing.Value, inc.Value) {
			continue
		}

		ev := api.ConflictValue{Value: existing.Value, SourceID: existing.SourceID}
		iv := api.ConflictValue{Value: inc.Value, SourceID: inc.SourceID}

		if !sameValueKind(existing.Value, inc.Value) {
			record(attr, api.ConflictTypeMismatch, api.SeverityHigh, ev, iv)
			continue
		}
		record(attr, api.ConflictValueMismatch, api.SeverityMedium, ev, iv)

		if d.suspiciousDrift(existing.Value, inc.Value) {
			record(attr, api.ConflictSuspiciousChange, api.SeverityHigh, ev, iv)
		}
	}

	for attr, existing := range asset.Attributes {
		if _, ok := incoming[attr]; ok {
			continue
		}
		record(attr, api.ConflictMissingInNew, api.SeverityLow,
			api.ConflictValue{Value: existing.Value, SourceID: existing.SourceID}, api.ConflictValue{})
	}

	return conflicts
}

// suspiciousDrift reports whether two numeric values diverge by more than
// the relative threshold. Non-numeric values are never flagged here; their
// disagreement is already a value mismatch.
func (d *ConflictDetector) suspiciousDrift(oldV, newV any) bool {
	a, okA := toFloat(oldV)
	b, okB := toFloat(newV)
	if !okA || !okB {
		return false
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	if base == 0 {
		return false
	}
	return math.Abs(a-b)/base > d.driftThreshold
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// sameValueKind groups values into coarse kinds (numeric, boolean, string,
// other) for type-mismatch classification.
func sameValueKind(a, b any) bool {
	return valueKind(a) == valueKind(b)
}

func valueKind(v any) string {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		return "numeric"
	case bool:
		return "boolean"
	case string:
		if _, err := strconv.ParseFloat(n, 64); err == nil {
			return "numeric"
		}
		return "string"
	default:
		return "other"
	}
}
