// Package flowtype loads flow type definitions from YAML. Definitions
// declare the phase sequence and per-phase policies; capabilities are bound
// to handlers in code when the flow type is registered.
package flowtype

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convergehq/converge/pkg/api"
)

// Definition is the YAML document for one flow type.
type Definition struct {
	Name   string            `yaml:"name"`
	Phases []PhaseDefinition `yaml:"phases"`
}

// PhaseDefinition is one phase entry in a flow type document.
type PhaseDefinition struct {
	Name       string           `yaml:"name"`
	Capability string           `yaml:"capability"`
	PausePoint bool             `yaml:"pause_point"`
	Timeout    time.Duration    `yaml:"timeout"`
	Retry      *RetryDefinition `yaml:"retry"`
}

// RetryDefinition mirrors api.RetryPolicy in YAML form.
type RetryDefinition struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Parse decodes a single flow type document.
func Parse(data []byte) (api.FlowType, error) {
	var def Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return api.FlowType{}, fmt.Errorf("parse flow type: %w", err)
	}
	return def.FlowType()
}

// LoadFile reads and parses one flow type file.
func LoadFile(path string) (api.FlowType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.FlowType{}, fmt.Errorf("read flow type %s: %w", path, err)
	}
	ft, err := Parse(data)
	if err != nil {
		return api.FlowType{}, fmt.Errorf("%s: %w", path, err)
	}
	return ft, nil
}

// LoadDir parses every .yaml and .yml file in dir, sorted by file name.
func LoadDir(dir string) ([]api.FlowType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow type dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	out := make([]api.FlowType, 0, len(paths))
	for _, p := range paths {
		ft, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, nil
}

// FlowType converts the YAML definition into the registered form,
// validating required fields.
func (d Definition) FlowType() (api.FlowType, error) {
	if d.Name == "" {
		return api.FlowType{}, api.NewValidationError("flowtype.Parse", "flow type name is required")
	}
	if len(d.Phases) == 0 {
		return api.FlowType{}, api.NewValidationError("flowtype.Parse", "flow type %q has no phases", d.Name)
	}

	ft := api.FlowType{Name: d.Name, Phases: make([]api.PhaseConfig, 0, len(d.Phases))}
	seen := make(map[string]bool, len(d.Phases))
	for i, p := range d.Phases {
		if p.Name == "" {
			return api.FlowType{}, api.NewValidationError("flowtype.Parse", "flow type %q: phase %d has no name", d.Name, i)
		}
		if p.Capability == "" {
			return api.FlowType{}, api.NewValidationError("flowtype.Parse", "flow type %q: phase %q has no capability", d.Name, p.Name)
		}
		if seen[p.Name] {
			return api.FlowType{}, api.NewValidationError("flowtype.Parse", "flow type %q: duplicate phase %q", d.Name, p.Name)
		}
		seen[p.Name] = true

		pc := api.PhaseConfig{
			Name:       p.Name,
			Capability: p.Capability,
			PausePoint: p.PausePoint,
			Timeout:    p.Timeout,
		}
		if p.Retry != nil {
			if p.Retry.MaxAttempts <= 0 {
				return api.FlowType{}, api.NewValidationError("flowtype.Parse",
					"flow type %q: phase %q: max_attempts must be positive", d.Name, p.Name)
			}
			pc.Retry = &api.RetryPolicy{
				MaxAttempts:       p.Retry.MaxAttempts,
				InitialBackoff:    p.Retry.InitialBackoff,
				MaxBackoff:        p.Retry.MaxBackoff,
				BackoffMultiplier: p.Retry.BackoffMultiplier,
			}
		}
		ft.Phases = append(ft.Phases, pc)
	}
	return ft, nil
}
