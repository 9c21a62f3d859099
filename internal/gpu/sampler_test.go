package gpu

import (
	"context"
	"testing"
	"time"
)

type fakeSampler struct {
	snap Snapshot
	err  error
}

func (f fakeSampler) Sample(ctx context.Context) (Snapshot, error) {
	return f.snap, f.err
}

func TestSampleOrZeroReturnsSample(t *testing.T) {
	want := Snapshot{UsedGB: 1, TotalGB: 10, AvailableGB: 9, TakenAt: time.Now()}
	got := SampleOrZero(context.Background(), fakeSampler{snap: want})
	if got.AvailableGB != want.AvailableGB {
		t.Fatalf("AvailableGB = %v, want %v", got.AvailableGB, want.AvailableGB)
	}
}

func TestSampleOrZeroOnError(t *testing.T) {
	got := SampleOrZero(context.Background(), fakeSampler{err: context.DeadlineExceeded})
	if got.AvailableGB != 0 {
		t.Fatalf("AvailableGB = %v, want 0 on error", got.AvailableGB)
	}
	if got.TakenAt.IsZero() {
		t.Fatal("TakenAt should be set even on error")
	}
}

func TestNvidiaSMISamplerBinPathDefault(t *testing.T) {
	s := &NvidiaSMISampler{}
	if s.binPath() != "nvidia-smi" {
		t.Fatalf("binPath() = %q, want nvidia-smi", s.binPath())
	}
}

func TestNvidiaSMISamplerBinPathOverride(t *testing.T) {
	s := &NvidiaSMISampler{Path: "/opt/custom-smi"}
	if s.binPath() != "/opt/custom-smi" {
		t.Fatalf("binPath() = %q, want override", s.binPath())
	}
}

func TestNvidiaSMISamplerMissingBinary(t *testing.T) {
	s := &NvidiaSMISampler{Path: "/nonexistent/nvidia-smi"}
	_, err := s.Sample(context.Background())
	if err == nil {
		t.Fatal("expected error when nvidia-smi binary is missing")
	}
}
