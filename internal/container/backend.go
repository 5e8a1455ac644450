package container

import (
	"context"
	"errors"
)

// ErrNoExitCode is returned when a wait or inspect call yields nothing usable
var ErrNoExitCode = errors.New("no usable exit code")

// Backend is the container execution backend an attempt runs on.
// Every call is blocking; implementations must honour ctx.
type Backend interface {
	// Pull acquires or refreshes the image.
	Pull(ctx context.Context, image string) error
	// RunDetached starts a named unit. An empty command keeps the image entrypoint.
	RunDetached(ctx context.Context, name, image, command string) error
	// Wait blocks until the unit exits and returns its exit code.
	Wait(ctx context.Context, name string) (int, error)
	// InspectExitCode reads the exit code of a finished unit.
	InspectExitCode(ctx context.Context, name string) (int, error)
	// Logs returns the full output of the unit.
	Logs(ctx context.Context, name string) (string, error)
	// Remove force-removes the unit, running or not.
	Remove(ctx context.Context, name string) error
}

// Usage is one raw resource reading, e.g. {"12.34%", "123.4MiB / 1.95GiB"}
type Usage struct {
	CPUPerc  string
	MemUsage string
}

// MetricsQuerier reads the current resource usage of a running unit
type MetricsQuerier interface {
	QueryUsage(ctx context.Context, name string) (Usage, error)
}
