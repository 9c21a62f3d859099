package switchengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rakunlabs/at/internal/container"
	"github.com/rakunlabs/at/internal/gpu"
	"github.com/rakunlabs/at/internal/prober"
	"github.com/rakunlabs/at/internal/registry"
)

// Outcome is the result of a switch() call, spec.md §4.6.
type Outcome struct {
	Status                   string // success | already_loaded | error | timeout
	UnloadedModels           []string
	EstimatedLoadTimeSeconds int
	Code                     string // set when Status == error
	RequiredGB               float64
	AvailableGB              float64
	AchievableGB             float64
	Note                     string
}

// Ticket is spec.md §3's SwitchTicket: ephemeral, single-flight per target.
type Ticket struct {
	TargetModel     string
	AcquiredAt      time.Time
	StagesCompleted []string
	EvictedModels   []string
	Outcome         Outcome
}

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrSwitchInProgress = errors.New("switch in progress for a different target")
)

// Engine implements the Switch Engine. It owns the BackendState map
// exclusively (spec.md §3's ownership rule).
type Engine struct {
	registry *registry.Registry
	adapter  container.Adapter
	sampler  gpu.Sampler
	prober   *prober.Prober

	stuckThreshold time.Duration
	minStartupWait time.Duration

	mu     sync.RWMutex // guards states
	states map[string]*BackendState

	switchMu sync.Mutex // global switch mutex, serializes VRAM arithmetic

	sfMu     sync.Mutex
	inFlight map[string]*singleFlightCall
}

type singleFlightCall struct {
	done chan struct{}
	res  Outcome
	err  error
}

// Config bundles the tunables spec.md §6 enumerates for the switch engine.
type Config struct {
	StuckThreshold time.Duration // default 90s
	MinStartupWait time.Duration // default 1s, between evictions
}

func New(reg *registry.Registry, adapter container.Adapter, sampler gpu.Sampler, pr *prober.Prober, cfg Config) *Engine {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 90 * time.Second
	}
	if cfg.MinStartupWait <= 0 {
		cfg.MinStartupWait = 1 * time.Second
	}

	states := make(map[string]*BackendState, len(reg.All()))
	for _, m := range reg.All() {
		s := NewBackendState()
		states[m.ID] = &s
	}

	return &Engine{
		registry:       reg,
		adapter:        adapter,
		sampler:        sampler,
		prober:         pr,
		stuckThreshold: cfg.StuckThreshold,
		minStartupWait: cfg.MinStartupWait,
		states:         states,
		inFlight:       make(map[string]*singleFlightCall),
	}
}

// State returns a copy of the current BackendState for id.
func (e *Engine) State(id string) (BackendState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[id]
	if !ok {
		return BackendState{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every tracked BackendState, keyed by model id.
func (e *Engine) Snapshot() map[string]BackendState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]BackendState, len(e.states))
	for id, s := range e.states {
		out[id] = *s
	}
	return out
}

func (e *Engine) setState(id string, s BackendState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[id] = &s
}

// isRunningHealthy reports whether id is Running and its Prober health is
// healthy, reprobing if the cached result is stale rather than trusting
// whatever is sitting in the cache.
func (e *Engine) isRunningHealthy(ctx context.Context, id string, spec registry.ModelSpec) bool {
	e.mu.RLock()
	s, ok := e.states[id]
	e.mu.RUnlock()
	if !ok || s.Phase != Running {
		return false
	}
	return e.prober.Health(ctx, spec.BackendBaseURL).State == prober.Healthy
}

// Switch implements spec.md §4.6's switch(target_model) operation, with
// single-flight coalescing per target and a global mutex across targets.
func (e *Engine) Switch(ctx context.Context, targetModel string) (Outcome, error) {
	spec, ok := e.registry.Get(targetModel)
	if !ok {
		return Outcome{}, ErrModelNotFound
	}

	// Single-flight: concurrent callers for the same target coalesce onto
	// the in-progress call's result.
	e.sfMu.Lock()
	if call, inProgress := e.inFlight[targetModel]; inProgress {
		e.sfMu.Unlock()
		<-call.done
		return call.res, call.err
	}
	call := &singleFlightCall{done: make(chan struct{})}
	e.inFlight[targetModel] = call
	e.sfMu.Unlock()

	// Different in-flight target => reject with switch_in_progress rather
	// than block, per spec.md §4.6's error taxonomy (409).
	if !e.switchMu.TryLock() {
		res := Outcome{}
		err := fmt.Errorf("%w: %s", ErrSwitchInProgress, targetModel)
		call.res, call.err = res, err
		close(call.done)
		e.sfMu.Lock()
		delete(e.inFlight, targetModel)
		e.sfMu.Unlock()
		return res, err
	}
	defer e.switchMu.Unlock()

	res, err := e.doSwitch(ctx, spec)

	call.res, call.err = res, err
	close(call.done)
	e.sfMu.Lock()
	delete(e.inFlight, targetModel)
	e.sfMu.Unlock()

	return res, err
}

func (e *Engine) doSwitch(ctx context.Context, target registry.ModelSpec) (Outcome, error) {
	required := target.VRAMEstimateGB(e.registry.UtilizationMultiplier())

	// Step 1: already loaded.
	if e.isRunningHealthy(ctx, target.ID, target) {
		return Outcome{Status: "already_loaded"}, nil
	}

	// Step 2: sample GPU.
	snap := gpu.SampleOrZero(ctx, e.sampler)
	available := snap.AvailableGB

	// achievableGB tracks memory actually available to the target once any
	// eviction below has run; it starts equal to available and is only
	// raised by eviction, so the stuck-threshold check further down judges
	// against what we actually freed, not the pre-eviction sample.
	achievableGB := available

	evicted := []string{}

	if available < required {
		// Step 4: enumerate running models (excluding target), largest first.
		type candidate struct {
			id     string
			weight float64
		}
		var candidates []candidate
		e.mu.RLock()
		for id, st := range e.states {
			if id == target.ID || st.Phase != Running {
				continue
			}
			if spec, ok := e.registry.Get(id); ok {
				candidates = append(candidates, candidate{id: id, weight: spec.ApproxWeightsGB})
			}
		}
		e.mu.RUnlock()

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].weight > candidates[j].weight })

		freed := 0.0
		for _, c := range candidates {
			if available+freed >= required {
				break
			}
			evicted = append(evicted, c.id)
			freed += c.weight * e.registry.UtilizationMultiplier()
		}

		achievable := available + freed
		if achievable < required {
			// Step 5: infeasible, no side effects.
			return Outcome{
				Status:       "error",
				Code:         "insufficient_memory",
				RequiredGB:   required,
				AvailableGB:  available,
				AchievableGB: achievable,
			}, nil
		}
		achievableGB = achievable
	}

	// Step 6: stop evictees, sleeping between stops to let VRAM free.
	for i, id := range evicted {
		e.transition(id, BackendState{Phase: Unloading})
		if err := e.adapter.Stop(ctx, idToHandle(e.registry, id)); err != nil {
			slog.Warn("evict stop failed", "model", id, "error", err)
		}
		e.transition(id, NewBackendState())
		if i < len(evicted)-1 {
			select {
			case <-time.After(e.minStartupWait):
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			}
		}
	}
	if len(evicted) > 0 {
		select {
		case <-time.After(e.minStartupWait):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	// Step 7: start target, poll until Running+healthy.
	e.transition(target.ID, BackendState{Phase: Loading, StartedAt: time.Now()})
	if err := e.adapter.Start(ctx, target.ContainerHandle); err != nil {
		e.transition(target.ID, BackendState{Phase: FailedPhase, Reason: err.Error(), At: time.Now()})
		return Outcome{Status: "error", Code: "switch_failed"}, nil
	}

	deadline := 120 * time.Second
	if d := time.Duration(2*target.ExpectedLoadSeconds) * time.Second; d > deadline {
		deadline = d
	}
	deadlineAt := time.Now().Add(deadline)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		insp, err := e.adapter.Inspect(ctx, target.ContainerHandle)
		if err == nil {
			switch insp.State {
			case container.Failed:
				e.transition(target.ID, BackendState{Phase: FailedPhase, Reason: insp.ExitReason, At: time.Now()})
				return Outcome{Status: "error", Code: "switch_failed"}, nil
			case container.Running:
				if e.prober.Health(ctx, target.BackendBaseURL).State == prober.Healthy {
					e.transition(target.ID, BackendState{Phase: Running, Since: time.Now()})
					return Outcome{
						Status:                   "success",
						UnloadedModels:           evicted,
						EstimatedLoadTimeSeconds: target.ExpectedLoadSeconds,
					}, nil
				}
				if time.Since(insp.StartedAt) > e.stuckThreshold && achievableGB < required {
					e.transition(target.ID, BackendState{
						Phase:       InsufficientGpuRam,
						DetectedAt:  time.Now(),
						RequiredGB:  required,
						AvailableGB: achievableGB,
					})
					return Outcome{Status: "error", Code: "insufficient_memory", RequiredGB: required, AvailableGB: achievableGB}, nil
				}
			}
		}

		if time.Now().After(deadlineAt) {
			return Outcome{
				Status: "timeout",
				Note:   "backend still processing; poll /v1/models/status",
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func (e *Engine) transition(id string, s BackendState) {
	e.setState(id, s)
}

func idToHandle(reg *registry.Registry, id string) string {
	if spec, ok := reg.Get(id); ok {
		return spec.ContainerHandle
	}
	return id
}

// ExplicitStart starts a model directly with no eviction (HTTP Surface's
// POST /v1/models/{id}/start).
func (e *Engine) ExplicitStart(ctx context.Context, id string) error {
	spec, ok := e.registry.Get(id)
	if !ok {
		return ErrModelNotFound
	}
	e.transition(id, BackendState{Phase: Loading, StartedAt: time.Now()})
	if err := e.adapter.Start(ctx, spec.ContainerHandle); err != nil {
		e.transition(id, BackendState{Phase: FailedPhase, Reason: err.Error(), At: time.Now()})
		return err
	}
	// Seed the prober in the background so the prober cache holds a reading
	// for this backend soon after the start, rather than staying empty until
	// the next status or readiness check probes it. Detached from ctx, which
	// is gone the moment this handler returns its 202.
	go e.prober.Health(context.Background(), spec.BackendBaseURL)
	return nil
}

// ExplicitStop stops a model directly (HTTP Surface's POST /v1/models/{id}/stop).
func (e *Engine) ExplicitStop(ctx context.Context, id string) error {
	spec, ok := e.registry.Get(id)
	if !ok {
		return ErrModelNotFound
	}
	e.transition(id, BackendState{Phase: Unloading})
	if err := e.adapter.Stop(ctx, spec.ContainerHandle); err != nil {
		return err
	}
	e.transition(id, NewBackendState())
	return nil
}
