// Package gpu implements the GPU Sampler contract: reporting aggregate VRAM
// usage in gibibytes. The real Sampler shells out to nvidia-smi, the same
// narrow-adapter style the rest of the gateway uses for the Container
// Adapter (see internal/container).
package gpu

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the GpuSnapshot of spec.md §3: {used_gb, total_gb,
// available_gb, taken_at}, all fractional gibibytes.
type Snapshot struct {
	UsedGB      float64
	TotalGB     float64
	AvailableGB float64
	TakenAt     time.Time
}

// Sampler is the GPU Sampler contract (spec.md §6): sample() -> GpuSnapshot.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

const giB = 1024 * 1024 * 1024

// NvidiaSMISampler shells out to `nvidia-smi --query-gpu=memory.used,memory.total
// --format=csv,noheader,nounits` and sums across every visible device. This
// mirrors the narrow "invoke a CLI, parse fixed-format stdout" pattern the
// Container Adapter uses for its own control plane.
type NvidiaSMISampler struct {
	// Path to the nvidia-smi binary; defaults to "nvidia-smi" (resolved via PATH).
	Path string
}

func (s *NvidiaSMISampler) binPath() string {
	if s.Path != "" {
		return s.Path
	}
	return "nvidia-smi"
}

// Sample queries nvidia-smi with a 5s deadline per spec.md §5 ("GPU sample
// deadline 5s; on miss treat available_gb as 0").
func (s *NvidiaSMISampler) Sample(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.binPath(), "--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return Snapshot{TakenAt: time.Now()}, fmt.Errorf("sample gpu: %w", err)
	}

	var usedMiB, totalMiB float64
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		used, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			continue
		}
		total, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		usedMiB += used
		totalMiB += total
	}

	usedGB := usedMiB * 1024 * 1024 / giB
	totalGB := totalMiB * 1024 * 1024 / giB
	available := totalGB - usedGB
	if available < 0 {
		available = 0
	}

	return Snapshot{
		UsedGB:      usedGB,
		TotalGB:     totalGB,
		AvailableGB: available,
		TakenAt:     time.Now(),
	}, nil
}

// SampleOrZero samples and, on any error or deadline miss, returns a
// conservative zero-available snapshot instead of propagating the error,
// per spec.md §5's "on miss treat available_gb as 0".
func SampleOrZero(ctx context.Context, s Sampler) Snapshot {
	snap, err := s.Sample(ctx)
	if err != nil {
		return Snapshot{TakenAt: time.Now()}
	}
	return snap
}
