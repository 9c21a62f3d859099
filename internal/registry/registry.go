// Package registry holds the static, process-lifetime table of model
// specifications the gateway can serve. It is seeded once at startup from
// a YAML file and never mutated afterward.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelSpec describes one servable model. Immutable after Load.
type ModelSpec struct {
	ID                  string  `yaml:"id"`
	BackendBaseURL      string  `yaml:"backend_base_url"`
	ContainerHandle     string  `yaml:"container_handle"`
	OnDiskPath          string  `yaml:"on_disk_path"`
	ApproxWeightsGB     float64 `yaml:"approx_weights_gb"`
	ExpectedLoadSeconds int     `yaml:"expected_load_seconds"`
	Description         string  `yaml:"description"`

	// ResultTemplateScript optionally post-processes extracted tool-call
	// arguments through a JS transform(name, args) hook (SPEC_FULL.md
	// §13.3). Empty by default; most models never set it.
	ResultTemplateScript string `yaml:"result_template_script,omitempty"`
}

// VRAMEstimateGB is the resident VRAM estimate for this model under the
// given utilization multiplier (spec.md §6, default 0.85).
func (m ModelSpec) VRAMEstimateGB(utilizationMultiplier float64) float64 {
	return m.ApproxWeightsGB * utilizationMultiplier
}

// Registry is a fixed, read-only table of ModelSpec keyed by id.
type Registry struct {
	models                map[string]ModelSpec
	utilizationMultiplier float64
}

type file struct {
	Models []ModelSpec `yaml:"models"`
}

// Load reads path (YAML) and builds the registry. Ids must be unique.
func Load(path string, utilizationMultiplier float64) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}

	if utilizationMultiplier <= 0 {
		utilizationMultiplier = 0.85
	}

	models := make(map[string]ModelSpec, len(f.Models))
	for _, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("registry entry with empty id")
		}
		if _, exists := models[m.ID]; exists {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		models[m.ID] = m
	}

	return &Registry{models: models, utilizationMultiplier: utilizationMultiplier}, nil
}

// New builds a registry directly from a slice of specs, used by tests.
func New(models []ModelSpec, utilizationMultiplier float64) *Registry {
	if utilizationMultiplier <= 0 {
		utilizationMultiplier = 0.85
	}
	m := make(map[string]ModelSpec, len(models))
	for _, spec := range models {
		m[spec.ID] = spec
	}
	return &Registry{models: m, utilizationMultiplier: utilizationMultiplier}
}

// Get returns the spec for id and whether it exists.
func (r *Registry) Get(id string) (ModelSpec, bool) {
	m, ok := r.models[id]
	return m, ok
}

// UtilizationMultiplier returns the configured VRAM utilization multiplier.
func (r *Registry) UtilizationMultiplier() float64 {
	return r.utilizationMultiplier
}

// All returns every registered spec, sorted by id for deterministic output.
func (r *Registry) All() []ModelSpec {
	out := make([]ModelSpec, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered model id, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
