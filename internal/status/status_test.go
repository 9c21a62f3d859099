package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/container"
	"github.com/rakunlabs/at/internal/gpu"
	"github.com/rakunlabs/at/internal/prober"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/switchengine"
)

type fakeAdapter struct {
	inspections map[string]container.Inspection
}

func (a fakeAdapter) Start(ctx context.Context, handle string) error { return nil }
func (a fakeAdapter) Stop(ctx context.Context, handle string) error  { return nil }
func (a fakeAdapter) Inspect(ctx context.Context, handle string) (container.Inspection, error) {
	if insp, ok := a.inspections[handle]; ok {
		return insp, nil
	}
	return container.Inspection{State: container.Absent}, nil
}

type fakeSampler struct{ snap gpu.Snapshot }

func (f fakeSampler) Sample(ctx context.Context) (gpu.Snapshot, error) { return f.snap, nil }

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestModelStatusFailed(t *testing.T) {
	reg := registry.New([]registry.ModelSpec{{ID: "m", ContainerHandle: "h"}}, 1)
	adapter := fakeAdapter{inspections: map[string]container.Inspection{"h": {State: container.Failed}}}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	st := agg.modelStatus(context.Background(), registry.ModelSpec{ID: "m", ContainerHandle: "h"})
	if st.Status != "failed" {
		t.Fatalf("Status = %q, want failed", st.Status)
	}
}

func TestModelStatusStoppedOnAbsent(t *testing.T) {
	reg := registry.New(nil, 1)
	adapter := fakeAdapter{}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	st := agg.modelStatus(context.Background(), registry.ModelSpec{ID: "m", ContainerHandle: "missing"})
	if st.Status != "stopped" {
		t.Fatalf("Status = %q, want stopped", st.Status)
	}
}

func TestModelStatusRunningHealthy(t *testing.T) {
	backend := healthyServer(t)
	reg := registry.New(nil, 1)
	adapter := fakeAdapter{inspections: map[string]container.Inspection{"h": {State: container.Running, StartedAt: time.Now()}}}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	spec := registry.ModelSpec{ID: "m", ContainerHandle: "h", BackendBaseURL: backend.URL, ApproxWeightsGB: 4}
	st := agg.modelStatus(context.Background(), spec)
	if st.Status != "running" {
		t.Fatalf("Status = %q, want running", st.Status)
	}
	if st.GPUMemoryUsedGB <= 0 {
		t.Fatalf("expected GPUMemoryUsedGB to be populated for a running model, got %v", st.GPUMemoryUsedGB)
	}
}

func TestModelStatusLoadingWhileStarting(t *testing.T) {
	reg := registry.New(nil, 1)
	adapter := fakeAdapter{inspections: map[string]container.Inspection{"h": {State: container.Running, StartedAt: time.Now()}}}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	spec := registry.ModelSpec{ID: "m", ContainerHandle: "h", BackendBaseURL: "http://unreachable.invalid"}
	st := agg.modelStatus(context.Background(), spec)
	if st.Status != "loading" {
		t.Fatalf("Status = %q, want loading (running but not yet healthy)", st.Status)
	}
}

func TestModelStatusStuckButNotInsufficientGpuRamFallsBackToLoading(t *testing.T) {
	reg := registry.New([]registry.ModelSpec{{ID: "m", ContainerHandle: "h"}}, 1)
	adapter := fakeAdapter{inspections: map[string]container.Inspection{
		"h": {State: container.Running, StartedAt: time.Now().Add(-time.Hour)},
	}}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})

	agg := New(reg, eng, adapter, pr, fakeSampler{}, time.Millisecond)
	spec := registry.ModelSpec{ID: "m", ContainerHandle: "h", BackendBaseURL: "http://unreachable.invalid"}

	st := agg.modelStatus(context.Background(), spec)
	if st.Status != "loading" {
		t.Fatalf("Status = %q, want loading when stuck but the engine never recorded insufficient_gpu_ram", st.Status)
	}
}

func TestReadyFalseWhenNothingRunning(t *testing.T) {
	reg := registry.New([]registry.ModelSpec{{ID: "m", ContainerHandle: "h"}}, 1)
	adapter := fakeAdapter{}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	if agg.Ready(context.Background()) {
		t.Fatal("Ready() = true, want false with no running healthy model")
	}
}

func TestReadyTrueWhenOneModelHealthy(t *testing.T) {
	backend := healthyServer(t)
	reg := registry.New([]registry.ModelSpec{{ID: "m", ContainerHandle: "h", BackendBaseURL: backend.URL}}, 1)
	adapter := fakeAdapter{inspections: map[string]container.Inspection{"h": {State: container.Running}}}
	pr := prober.New(time.Minute, time.Second)
	eng := switchengine.New(reg, adapter, fakeSampler{}, pr, switchengine.Config{})
	agg := New(reg, eng, adapter, pr, fakeSampler{}, 90*time.Second)

	if !agg.Ready(context.Background()) {
		t.Fatal("Ready() = false, want true with one healthy running model")
	}
}
