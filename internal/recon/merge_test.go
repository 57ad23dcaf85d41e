package recon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/api"
)

var mergeNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func mergeInput(existingRel, incomingRel float64) MergeInput {
	return MergeInput{
		Existing: map[string]api.Attribute{
			"ip_address": {Value: "10.0.0.5", SourceID: "src-x"},
			"os":         {Value: "linux", SourceID: "src-x"},
		},
		Incoming: map[string]api.Attribute{
			"ip_address": {Value: "10.0.0.9", SourceID: "src-y"},
			"cpu_count":  {Value: 8, SourceID: "src-y"},
		},
		Source:  api.DataSource{ID: "src-y", Reliability: incomingRel},
		Sources: map[string]api.DataSource{"src-x": {ID: "src-x", Reliability: existingRel}},
		Now:     mergeNow,
	}
}

func TestConfidenceBasedMerge(t *testing.T) {
	s, err := NewMergeStrategy(api.MergeConfidenceBased, nil)
	require.NoError(t, err)

	// Higher incoming reliability wins the contested attribute.
	merged := s.Merge(mergeInput(0.6, 0.9))
	assert.Equal(t, "10.0.0.9", merged["ip_address"].Value)
	assert.Equal(t, "src-y", merged["ip_address"].SourceID)
	// Uncontested attributes from both sides survive.
	assert.Equal(t, "linux", merged["os"].Value)
	assert.Equal(t, 8, merged["cpu_count"].Value)

	// Lower incoming reliability keeps the existing value; ties do too.
	merged = s.Merge(mergeInput(0.9, 0.6))
	assert.Equal(t, "10.0.0.5", merged["ip_address"].Value)
	merged = s.Merge(mergeInput(0.7, 0.7))
	assert.Equal(t, "10.0.0.5", merged["ip_address"].Value)
}

func TestConfidenceBasedDecisiveness(t *testing.T) {
	s, err := NewMergeStrategy(api.MergeConfidenceBased, nil)
	require.NoError(t, err)

	existing := api.Attribute{Value: "10.0.0.5", SourceID: "src-x"}
	assert.True(t, s.Decisive("ip_address", existing, mergeInput(0.6, 0.9)))
	assert.False(t, s.Decisive("ip_address", existing, mergeInput(0.65, 0.7)))
}

func TestNewestWinsMerge(t *testing.T) {
	s, err := NewMergeStrategy(api.MergeNewestWins, nil)
	require.NoError(t, err)

	merged := s.Merge(mergeInput(0.9, 0.1))
	assert.Equal(t, "10.0.0.9", merged["ip_address"].Value)
	assert.True(t, s.Decisive("ip_address", api.Attribute{}, mergeInput(0.9, 0.1)))
}

func TestAuthoritativeMerge(t *testing.T) {
	s, err := NewMergeStrategy(api.MergeAuthoritative, nil)
	require.NoError(t, err)

	in := mergeInput(0.9, 0.6)
	in.Source.AuthoritativeFor = []string{"ip_address"}
	merged := s.Merge(in)
	// Authority beats the reliability gap.
	assert.Equal(t, "10.0.0.9", merged["ip_address"].Value)
	assert.True(t, s.Decisive("ip_address", in.Existing["ip_address"], in))

	// An attribute owned by the existing value's source is kept.
	in = mergeInput(0.3, 0.9)
	owner := in.Sources["src-x"]
	owner.AuthoritativeFor = []string{"ip_address"}
	in.Sources["src-x"] = owner
	merged = s.Merge(in)
	assert.Equal(t, "10.0.0.5", merged["ip_address"].Value)

	// No authority on either side falls back to reliability.
	in = mergeInput(0.3, 0.9)
	merged = s.Merge(in)
	assert.Equal(t, "10.0.0.9", merged["ip_address"].Value)
	assert.False(t, s.Decisive("ip_address", in.Existing["ip_address"], in))
}

func TestCustomMerge(t *testing.T) {
	_, err := NewMergeStrategy(api.MergeCustom, nil)
	require.Error(t, err)

	s, err := NewMergeStrategy(api.MergeCustom, func(in MergeInput) map[string]api.Attribute {
		return in.Existing
	})
	require.NoError(t, err)
	merged := s.Merge(mergeInput(0.1, 0.9))
	assert.Equal(t, "10.0.0.5", merged["ip_address"].Value)
	assert.False(t, s.Decisive("ip_address", api.Attribute{}, MergeInput{}))
}

func TestUnknownStrategyRejected(t *testing.T) {
	_, err := NewMergeStrategy("majority_vote", nil)
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestMergeDeterminism(t *testing.T) {
	for _, kind := range []api.MergeStrategyKind{
		api.MergeConfidenceBased, api.MergeNewestWins, api.MergeAuthoritative,
	} {
		s, err := NewMergeStrategy(kind, nil)
		require.NoError(t, err)
		first := s.Merge(mergeInput(0.6, 0.9))
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, s.Merge(mergeInput(0.6, 0.9)), "strategy %s", kind)
		}
	}
}

func TestMergeNeverDropsExistingAttributes(t *testing.T) {
	s, err := NewMergeStrategy(api.MergeNewestWins, nil)
	require.NoError(t, err)

	in := mergeInput(0.5, 0.5)
	merged := s.Merge(in)
	for attr := range in.Existing {
		_, ok := merged[attr]
		assert.True(t, ok, "attribute %s dropped", attr)
	}
}
