// Package switchengine owns BackendState (spec.md §3) and implements the
// smart model switch: eviction selection, stop/start sequencing, and
// readiness polling, all serialized behind a global switch mutex with
// single-flight coalescing per target model (spec.md §4.6).
package switchengine

import "time"

// Phase is the tagged-variant state of a single backend.
type Phase string

const (
	Stopped            Phase = "stopped"
	Loading            Phase = "loading"
	Running            Phase = "running"
	Unloading          Phase = "unloading"
	InsufficientGpuRam Phase = "insufficient_gpu_ram"
	FailedPhase        Phase = "failed"
)

// BackendState is the mutable per-model record spec.md §3 describes. Zero
// value is Stopped.
type BackendState struct {
	Phase Phase

	// Loading
	StartedAt time.Time

	// Running
	Since time.Time

	// InsufficientGpuRam
	DetectedAt  time.Time
	RequiredGB  float64
	AvailableGB float64

	// Failed
	Reason string
	At     time.Time
}

func NewBackendState() BackendState {
	return BackendState{Phase: Stopped}
}
