// Package hostinfo snapshots the CPU and memory of the machine that runs
// the batch, so adaptive thresholds can be chosen against real capacity.
package hostinfo

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/retrythesis/retrybench/internal/cgroups"
)

const bytesPerMB = 1024 * 1024

// Snapshot is the host state at one instant
type Snapshot struct {
	Hostname   string  `json:"hostname" yaml:"hostname"`
	OS         string  `json:"os" yaml:"os"`
	Arch       string  `json:"arch" yaml:"arch"`
	CPUCount   int     `json:"cpu_count" yaml:"cpu_count"`
	CPUModel   string  `json:"cpu_model" yaml:"cpu_model"`
	CPUPercent float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemTotalMB float64 `json:"mem_total_mb" yaml:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb" yaml:"mem_used_mb"`
	MemAvailMB float64 `json:"mem_avail_mb" yaml:"mem_avail_mb"`

	// Limits of the cgroup the coordinator runs in, if any
	Limits cgroups.Limits `json:"cgroup" yaml:"cgroup"`
}

// EffectiveCPUs is the core count, capped by a cgroup CPU quota
func (s *Snapshot) EffectiveCPUs() float64 {
	cores := float64(max(1, s.CPUCount))
	if q := s.Limits.CPUQuota; q > 0 && q < cores {
		return q
	}
	return cores
}

// EffectiveMemMB is total memory, capped by a cgroup memory limit
func (s *Snapshot) EffectiveMemMB() float64 {
	if l := float64(s.Limits.MemoryBytes) / bytesPerMB; l > 0 && l < s.MemTotalMB {
		return l
	}
	return s.MemTotalMB
}

// Prober reads host metrics through gopsutil
type Prober struct {
	interval   time.Duration
	cpuPercent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	cpuCounts  func(ctx context.Context, logical bool) (int, error)
	cpuInfo    func(ctx context.Context) ([]cpu.InfoStat, error)
	vmem       func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	limits     func() (cgroups.Limits, error)
}

// NewProber measures CPU usage over interval (100ms when <= 0)
func NewProber(interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Prober{
		interval:   interval,
		cpuPercent: cpu.PercentWithContext,
		cpuCounts:  cpu.CountsWithContext,
		cpuInfo:    cpu.InfoWithContext,
		vmem:       mem.VirtualMemoryWithContext,
		limits:     func() (cgroups.Limits, error) { return cgroups.Read(cgroups.DefaultRoot) },
	}
}

// Probe takes a snapshot. Memory is required; CPU details and cgroup
// limits are best effort.
func (p *Prober) Probe(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{OS: runtime.GOOS, Arch: runtime.GOARCH, CPUModel: "Unknown"}
	s.Hostname, _ = os.Hostname()

	vm, err := p.vmem(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	s.MemTotalMB = float64(vm.Total) / bytesPerMB
	s.MemUsedMB = float64(vm.Used) / bytesPerMB
	s.MemAvailMB = float64(vm.Available) / bytesPerMB

	if n, err := p.cpuCounts(ctx, true); err == nil && n > 0 {
		s.CPUCount = n
	} else {
		s.CPUCount = runtime.NumCPU()
	}
	if infos, err := p.cpuInfo(ctx); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		s.CPUModel = infos[0].ModelName
	}
	if pct, err := p.cpuPercent(ctx, p.interval, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if l, err := p.limits(); err == nil {
		s.Limits = l
	}
	return s, nil
}

// Suggestion holds adaptive thresholds derived from a snapshot
type Suggestion struct {
	CPUThreshold   float64 `json:"cpu_threshold" yaml:"cpu-threshold"`
	MemThresholdMB float64 `json:"mem_threshold" yaml:"mem-threshold"`
}

// Suggest scales the default thresholds to the host. Container CPU
// percentages are relative to one core, so the CPU bound grows with the
// usable cores; the memory bound is 10% of usable RAM, never below
// baseMemMB.
func Suggest(s *Snapshot, baseCPU, baseMemMB float64) Suggestion {
	memMB := math.Max(baseMemMB, math.Round(s.EffectiveMemMB()*0.10))
	return Suggestion{
		CPUThreshold:   math.Round(baseCPU * s.EffectiveCPUs()),
		MemThresholdMB: memMB,
	}
}
