// Package containertest provides an in-memory container backend for tests.
package containertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/retrythesis/retrybench/internal/container"
)

// Script describes how every unit started from one image behaves.
type Script struct {
	// ExitCodes are returned by Wait for the 1st, 2nd, ... run of the
	// image. The last value repeats. Empty means 0.
	ExitCodes []int
	// Logs is returned by Logs for every run.
	Logs string
	// Usage readings are returned in order; the last one repeats.
	// Empty means every query fails.
	Usage []container.Usage

	PullErr    error
	RunErr     error
	WaitErr    error
	InspectErr error
	// InspectCode is used when Wait fails and InspectErr is nil.
	InspectCode int
	// BlockWait makes Wait block until ctx is done.
	BlockWait bool
}

// Backend is a thread-safe fake implementing container.Backend and
// container.MetricsQuerier.
type Backend struct {
	mu      sync.Mutex
	scripts map[string]*Script
	runs    map[string]int    // image -> runs started
	units   map[string]string // unit -> image
	nth     map[string]int    // unit -> run index of its image
	queries map[string]int    // unit -> usage queries served

	Pulled  []string
	Started []string
	Removed []string
}

// New returns an empty fake; unknown images exit 0 with no output.
func New() *Backend {
	return &Backend{
		scripts: make(map[string]*Script),
		runs:    make(map[string]int),
		units:   make(map[string]string),
		nth:     make(map[string]int),
		queries: make(map[string]int),
	}
}

// Script registers behaviour for an image
func (b *Backend) Script(image string, s Script) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[image] = &s
	return b
}

func (b *Backend) script(image string) *Script {
	if s, ok := b.scripts[image]; ok {
		return s
	}
	return &Script{}
}

// Pull implements container.Backend
func (b *Backend) Pull(ctx context.Context, image string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Pulled = append(b.Pulled, image)
	return b.script(image).PullErr
}

// RunDetached implements container.Backend
func (b *Backend) RunDetached(ctx context.Context, name, image, command string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.units[name]; exists {
		return fmt.Errorf("conflict: unit name %q already in use", name)
	}
	s := b.script(image)
	if s.RunErr != nil {
		return s.RunErr
	}
	b.units[name] = image
	b.nth[name] = b.runs[image]
	b.runs[image]++
	b.Started = append(b.Started, name)
	return nil
}

// Wait implements container.Backend
func (b *Backend) Wait(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	image, ok := b.units[name]
	if !ok {
		b.mu.Unlock()
		return 0, fmt.Errorf("no such unit: %s", name)
	}
	s := b.script(image)
	n := b.nth[name]
	b.mu.Unlock()

	if s.BlockWait {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if s.WaitErr != nil {
		return 0, s.WaitErr
	}
	if len(s.ExitCodes) == 0 {
		return 0, nil
	}
	if n >= len(s.ExitCodes) {
		n = len(s.ExitCodes) - 1
	}
	return s.ExitCodes[n], nil
}

// InspectExitCode implements container.Backend
func (b *Backend) InspectExitCode(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	image, ok := b.units[name]
	if !ok {
		return 0, fmt.Errorf("no such unit: %s", name)
	}
	s := b.script(image)
	if s.InspectErr != nil {
		return 0, s.InspectErr
	}
	return s.InspectCode, nil
}

// Logs implements container.Backend
func (b *Backend) Logs(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	image, ok := b.units[name]
	if !ok {
		return "", fmt.Errorf("no such unit: %s", name)
	}
	return b.script(image).Logs, nil
}

// Remove implements container.Backend
func (b *Backend) Remove(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Removed = append(b.Removed, name)
	return nil
}

// QueryUsage implements container.MetricsQuerier
func (b *Backend) QueryUsage(ctx context.Context, name string) (container.Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	image, ok := b.units[name]
	if !ok {
		return container.Usage{}, fmt.Errorf("no such unit: %s", name)
	}
	s := b.script(image)
	if len(s.Usage) == 0 {
		return container.Usage{}, errors.New("no stats")
	}
	i := b.queries[name]
	b.queries[name]++
	if i >= len(s.Usage) {
		i = len(s.Usage) - 1
	}
	return s.Usage[i], nil
}

// Runs returns how many units were started from image
func (b *Backend) Runs(image string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[image]
}

// RemovedNames returns a copy of the removed unit names
func (b *Backend) RemovedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Removed...)
}

// StartedNames returns a copy of the started unit names
func (b *Backend) StartedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Started...)
}
