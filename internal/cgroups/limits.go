// Package cgroups reads the CPU and memory limits of the cgroup the
// coordinator runs in. Nothing is ever written.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is where the cgroup filesystem is mounted
const DefaultRoot = "/sys/fs/cgroup"

// v1 reports "no limit" as a huge page-aligned number
const v1Unlimited = int64(1) << 62

// Limits of one cgroup. Zero means unlimited.
type Limits struct {
	Version     int     `json:"version" yaml:"version"`
	CPUQuota    float64 `json:"cpu_quota_cores" yaml:"cpu_quota_cores"`
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"`
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Read returns the limits visible under root. Missing files mean no limit.
func Read(root string) (Limits, error) {
	l := Limits{Version: Version(root)}
	var err error
	if l.Version == 2 {
		if l.MemoryBytes, err = readInt(filepath.Join(root, "memory.max")); err != nil {
			return l, err
		}
		l.CPUQuota, err = readCPUMax(filepath.Join(root, "cpu.max"))
		return l, err
	}

	if l.MemoryBytes, err = readInt(filepath.Join(root, "memory", "memory.limit_in_bytes")); err != nil {
		return l, err
	}
	if l.MemoryBytes >= v1Unlimited {
		l.MemoryBytes = 0
	}
	quota, err := readInt(filepath.Join(root, "cpu", "cpu.cfs_quota_us"))
	if err != nil {
		return l, err
	}
	period, err := readInt(filepath.Join(root, "cpu", "cpu.cfs_period_us"))
	if err != nil {
		return l, err
	}
	if quota > 0 && period > 0 {
		l.CPUQuota = float64(quota) / float64(period)
	}
	return l, nil
}

// readCPUMax parses cpu.max: "quota period" or "max period"
func readCPUMax(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || fields[0] == "max" {
		return 0, nil
	}
	quota, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu.max %q: %w", string(data), err)
	}
	period := int64(100000)
	if len(fields) > 1 {
		if period, err = strconv.ParseInt(fields[1], 10, 64); err != nil || period <= 0 {
			return 0, fmt.Errorf("invalid cpu.max period %q", fields[1])
		}
	}
	return float64(quota) / float64(period), nil
}

// readInt reads a single integer file. "max", -1 and a missing file are 0.
func readInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value in %s: %w", path, err)
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}
