// Package status implements the Status Aggregator: it joins the Model
// Registry, Container Adapter, Backend Health Prober and GPU Sampler into
// the /v1/models/status view (spec.md §4.5).
package status

import (
	"context"
	"time"

	"github.com/rakunlabs/at/internal/container"
	"github.com/rakunlabs/at/internal/gpu"
	"github.com/rakunlabs/at/internal/prober"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/switchengine"
)

// ModelStatus is one entry of the status payload's "models" map.
type ModelStatus struct {
	Status                   string  `json:"status"`
	Health                   string  `json:"health"`
	SizeGB                   float64 `json:"size_gb"`
	Description              string  `json:"description"`
	EstimatedLoadTimeSeconds int     `json:"estimated_load_time_seconds"`
	GPUMemoryUsedGB          float64 `json:"gpu_memory_used_gb,omitempty"`
}

// GPUStatus is the payload's "gpu" field.
type GPUStatus struct {
	UsedGB      float64 `json:"used_gb"`
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
}

// Payload is the full GET /v1/models/status response (spec.md §6).
type Payload struct {
	Models map[string]ModelStatus `json:"models"`
	GPU    GPUStatus              `json:"gpu"`
}

// Aggregator produces Payload by joining the four leaf components. It never
// mutates BackendState; it reads a consistent snapshot from the Switch
// Engine under a read lock (spec.md §3's ownership rule).
type Aggregator struct {
	registry *registry.Registry
	engine   *switchengine.Engine
	adapter  container.Adapter
	prober   *prober.Prober
	sampler  gpu.Sampler

	stuckThreshold time.Duration
}

func New(reg *registry.Registry, engine *switchengine.Engine, adapter container.Adapter, pr *prober.Prober, sampler gpu.Sampler, stuckThreshold time.Duration) *Aggregator {
	if stuckThreshold <= 0 {
		stuckThreshold = 90 * time.Second
	}
	return &Aggregator{
		registry:       reg,
		engine:         engine,
		adapter:        adapter,
		prober:         pr,
		sampler:        sampler,
		stuckThreshold: stuckThreshold,
	}
}

// Status builds the full payload.
func (a *Aggregator) Status(ctx context.Context) Payload {
	snap := gpu.SampleOrZero(ctx, a.sampler)

	models := make(map[string]ModelStatus, len(a.registry.All()))
	for _, spec := range a.registry.All() {
		models[spec.ID] = a.modelStatus(ctx, spec)
	}

	return Payload{
		Models: models,
		GPU: GPUStatus{
			UsedGB:      snap.UsedGB,
			TotalGB:     snap.TotalGB,
			AvailableGB: snap.AvailableGB,
		},
	}
}

// modelStatus applies the state-resolution priority of spec.md §4.5.
func (a *Aggregator) modelStatus(ctx context.Context, spec registry.ModelSpec) ModelStatus {
	insp, _ := a.adapter.Inspect(ctx, spec.ContainerHandle)

	// Only a container that might actually be serving is worth an
	// active, TTL-gated reprobe; a stopped/absent one has nothing to
	// reach, so fall back to whatever is cached (typically Unknown).
	var health prober.Health
	if insp.State == container.Running || insp.State == container.Starting {
		health = a.prober.Health(ctx, spec.BackendBaseURL)
	} else {
		health = a.prober.Peek(spec.BackendBaseURL)
	}

	out := ModelStatus{
		Health:                   string(health.State),
		SizeGB:                   spec.ApproxWeightsGB,
		Description:              spec.Description,
		EstimatedLoadTimeSeconds: spec.ExpectedLoadSeconds,
	}
	if out.Health == "" {
		out.Health = string(prober.Unknown)
	}

	switch {
	case insp.State == container.Failed:
		out.Status = "failed"
	case insp.State == container.Exited, insp.State == container.Absent:
		out.Status = "stopped"
	case insp.State == container.Running && health.State == prober.Healthy:
		out.Status = "running"
		out.GPUMemoryUsedGB = spec.VRAMEstimateGB(a.registry.UtilizationMultiplier())
	case insp.State == container.Running && !insp.StartedAt.IsZero() && time.Since(insp.StartedAt) > a.stuckThreshold:
		if st, ok := a.engine.State(spec.ID); ok && st.Phase == switchengine.InsufficientGpuRam {
			out.Status = "insufficient_gpu_ram"
		} else {
			out.Status = "loading"
		}
	case insp.State == container.Running || insp.State == container.Starting:
		out.Status = "loading"
	default:
		out.Status = "stopped"
	}

	return out
}

// Ready reports whether /ready should return 200: at least one model is
// Running and healthy (progressive readiness, spec.md §4.5).
func (a *Aggregator) Ready(ctx context.Context) bool {
	for _, spec := range a.registry.All() {
		insp, err := a.adapter.Inspect(ctx, spec.ContainerHandle)
		if err != nil || insp.State != container.Running {
			continue
		}
		if a.prober.Health(ctx, spec.BackendBaseURL).State == prober.Healthy {
			return true
		}
	}
	return false
}
