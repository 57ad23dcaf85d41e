package flowtype

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discoveryYAML = `
name: asset-discovery
phases:
  - name: collect
    capability: collector
    timeout: 30s
    retry:
      max_attempts: 3
      initial_backoff: 1s
      max_backoff: 30s
      backoff_multiplier: 2.0
  - name: review
    capability: reviewer
    pause_point: true
  - name: finalize
    capability: collector
`

func TestParseFullDefinition(t *testing.T) {
	ft, err := Parse([]byte(discoveryYAML))
	require.NoError(t, err)

	assert.Equal(t, "asset-discovery", ft.Name)
	require.Len(t, ft.Phases, 3)

	collect := ft.Phases[0]
	assert.Equal(t, "collect", collect.Name)
	assert.Equal(t, "collector", collect.Capability)
	assert.Equal(t, 30*time.Second, collect.Timeout)
	require.NotNil(t, collect.Retry)
	assert.Equal(t, 3, collect.Retry.MaxAttempts)
	assert.Equal(t, time.Second, collect.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, collect.Retry.MaxBackoff)
	assert.InDelta(t, 2.0, collect.Retry.BackoffMultiplier, 1e-9)

	review := ft.Phases[1]
	assert.True(t, review.PausePoint)
	assert.Nil(t, review.Retry)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "phases:\n  - name: a\n    capability: c\n"},
		{"no phases", "name: empty\n"},
		{"unnamed phase", "name: x\nphases:\n  - capability: c\n"},
		{"missing capability", "name: x\nphases:\n  - name: a\n"},
		{"duplicate phase", "name: x\nphases:\n  - name: a\n    capability: c\n  - name: a\n    capability: c\n"},
		{"non-positive retry", "name: x\nphases:\n  - name: a\n    capability: c\n    retry:\n      max_attempts: 0\n"},
		{"unknown field", "name: x\nstages:\n  - name: a\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadDirSortedByFileName(t *testing.T) {
	dir := t.TempDir()
	writeDef := func(file, name string) {
		doc := "name: " + name + "\nphases:\n  - name: only\n    capability: noop\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(doc), 0o644))
	}
	writeDef("b-second.yaml", "second")
	writeDef("a-first.yml", "first")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	types, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "first", types[0].Name)
	assert.Equal(t, "second", types[1].Name)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParsedTypePhaseIndex(t *testing.T) {
	ft, err := Parse([]byte(discoveryYAML))
	require.NoError(t, err)
	assert.Equal(t, 1, ft.PhaseIndex("review"))
	assert.Equal(t, -1, ft.PhaseIndex("nope"))
}
