package hostinfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/retrythesis/retrybench/internal/cgroups"
)

func fakeProber() *Prober {
	p := NewProber(time.Millisecond)
	p.cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{37.5}, nil
	}
	p.cpuCounts = func(ctx context.Context, logical bool) (int, error) { return 4, nil }
	p.cpuInfo = func(ctx context.Context) ([]cpu.InfoStat, error) {
		return []cpu.InfoStat{{ModelName: "Test CPU @ 3.00GHz"}}, nil
	}
	p.vmem = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 8 << 30, Used: 2 << 30, Available: 6 << 30}, nil
	}
	p.limits = func() (cgroups.Limits, error) { return cgroups.Limits{Version: 2}, nil }
	return p
}

func TestProbe(t *testing.T) {
	s, err := fakeProber().Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.CPUCount != 4 || s.CPUModel != "Test CPU @ 3.00GHz" || s.CPUPercent != 37.5 {
		t.Errorf("unexpected cpu fields %+v", s)
	}
	if s.MemTotalMB != 8192 || s.MemUsedMB != 2048 || s.MemAvailMB != 6144 {
		t.Errorf("unexpected memory fields %+v", s)
	}
}

func TestProbeCPUBestEffort(t *testing.T) {
	p := fakeProber()
	p.cpuInfo = func(ctx context.Context) ([]cpu.InfoStat, error) { return nil, errors.New("no /proc") }
	p.cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return nil, errors.New("no /proc")
	}

	s, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.CPUModel != "Unknown" || s.CPUPercent != 0 {
		t.Errorf("expected cpu defaults, got %+v", s)
	}
}

func TestProbeMemoryRequired(t *testing.T) {
	p := fakeProber()
	p.vmem = func(ctx context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("denied") }
	if _, err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected error when memory cannot be read")
	}
}

func TestSuggest(t *testing.T) {
	got := Suggest(&Snapshot{CPUCount: 4, MemTotalMB: 8192}, 85, 100)
	if got.CPUThreshold != 340 {
		t.Errorf("CPUThreshold = %v, want 340", got.CPUThreshold)
	}
	if got.MemThresholdMB != 819 {
		t.Errorf("MemThresholdMB = %v, want 819", got.MemThresholdMB)
	}

	small := Suggest(&Snapshot{CPUCount: 0, MemTotalMB: 512}, 85, 100)
	if small.CPUThreshold != 85 || small.MemThresholdMB != 100 {
		t.Errorf("unexpected suggestion for small host %+v", small)
	}
}

func TestSuggestHonoursCgroupLimits(t *testing.T) {
	s := &Snapshot{
		CPUCount:   8,
		MemTotalMB: 16384,
		Limits:     cgroups.Limits{Version: 2, CPUQuota: 2, MemoryBytes: 4 << 30},
	}
	got := Suggest(s, 85, 100)
	if got.CPUThreshold != 170 {
		t.Errorf("CPUThreshold = %v, want 170", got.CPUThreshold)
	}
	if got.MemThresholdMB != 410 {
		t.Errorf("MemThresholdMB = %v, want 410", got.MemThresholdMB)
	}
}

func TestProbeIgnoresCgroupErrors(t *testing.T) {
	p := fakeProber()
	p.limits = func() (cgroups.Limits, error) { return cgroups.Limits{}, errors.New("permission denied") }
	s, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.EffectiveMemMB() != 8192 {
		t.Errorf("EffectiveMemMB = %v, want 8192", s.EffectiveMemMB())
	}
}
