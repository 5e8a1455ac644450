package sampler

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadCPU    = errors.New("unparsable cpu percentage")
	ErrBadMemory = errors.New("unparsable memory usage")
)

// Sample is one point-in-time resource observation of a running unit.
type Sample struct {
	CPUPercent float64   `json:"cpu_perc"`
	UsedMB     float64   `json:"used_mb"`
	TotalMB    float64   `json:"total_mb"`
	At         time.Time `json:"ts"`
}

var sizePattern = regexp.MustCompile(`(?i)^([\d.]+)\s*([KMGT]?i?B)$`)

// ParseCPUPercent parses a percentage string like "12.34%"
func ParseCPUPercent(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	val, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, fmt.Errorf("%w: %q", ErrBadCPU, s)
	}
	return val, nil
}

// ParseMemUsage parses "123.4MiB / 1.95GiB" into used and total megabytes
func ParseMemUsage(s string) (usedMB, totalMB float64, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadMemory, s)
	}
	if usedMB, err = ParseSizeMB(parts[0]); err != nil {
		return 0, 0, err
	}
	if totalMB, err = ParseSizeMB(parts[1]); err != nil {
		return 0, 0, err
	}
	return usedMB, totalMB, nil
}

// ParseSizeMB converts a docker size ("512kB", "1.95GiB", "0B") to megabytes.
// Decimal and binary suffixes both use a factor of 1024.
func ParseSizeMB(s string) (float64, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadMemory, s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadMemory, s)
	}

	switch strings.ToUpper(m[2][:1]) {
	case "K":
		return val / 1024, nil
	case "M":
		return val, nil
	case "G":
		return val * 1024, nil
	case "T":
		return val * 1024 * 1024, nil
	default: // plain bytes
		return val / (1024 * 1024), nil
	}
}
