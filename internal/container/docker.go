package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecFunc runs a binary and returns its stdout and stderr
type ExecFunc func(ctx context.Context, binary string, args ...string) (stdout, stderr []byte, err error)

// Docker drives units through the docker CLI. It implements both Backend
// and MetricsQuerier.
type Docker struct {
	binary string
	exec   ExecFunc
}

// NewDocker returns a CLI backend. An empty binary means "docker" on PATH.
func NewDocker(binary string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{binary: binary, exec: runCommand}
}

// WithExec swaps the process runner (tests)
func (d *Docker) WithExec(fn ExecFunc) *Docker {
	d.exec = fn
	return d
}

func runCommand(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := d.exec(ctx, d.binary, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			return string(stdout), fmt.Errorf("%s %s: %w", d.binary, args[0], err)
		}
		return string(stdout), fmt.Errorf("%s %s: %w: %s", d.binary, args[0], err, msg)
	}
	return string(stdout), nil
}

// Pull runs docker pull
func (d *Docker) Pull(ctx context.Context, image string) error {
	_, err := d.run(ctx, "pull", image)
	return err
}

// RunDetached runs docker run -d. A command override is executed through bash.
func (d *Docker) RunDetached(ctx context.Context, name, image, command string) error {
	args := []string{"run", "--name", name, "-d", image}
	if command != "" {
		args = append(args, "/bin/bash", "-c", command)
	}
	_, err := d.run(ctx, args...)
	return err
}

// Wait runs docker wait and parses the printed exit code
func (d *Docker) Wait(ctx context.Context, name string) (int, error) {
	out, err := d.run(ctx, "wait", name)
	if err != nil {
		return 0, err
	}
	return parseExitCode(out)
}

// InspectExitCode reads .State.ExitCode through docker inspect
func (d *Docker) InspectExitCode(ctx context.Context, name string) (int, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.ExitCode}}", name)
	if err != nil {
		return 0, err
	}
	return parseExitCode(out)
}

// Logs returns stdout and stderr of the unit, stdout first.
// Stack traces of JVM test runners usually land on stderr.
func (d *Docker) Logs(ctx context.Context, name string) (string, error) {
	stdout, stderr, err := d.exec(ctx, d.binary, "logs", name)
	text := string(stdout)
	if len(stderr) > 0 {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += string(stderr)
	}
	if err != nil {
		return text, fmt.Errorf("%s logs: %w", d.binary, err)
	}
	return text, nil
}

// Remove runs docker rm -f
func (d *Docker) Remove(ctx context.Context, name string) error {
	_, err := d.run(ctx, "rm", "-f", name)
	return err
}

// QueryUsage runs a single docker stats snapshot for the unit
func (d *Docker) QueryUsage(ctx context.Context, name string) (Usage, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}", name)
	if err != nil {
		return Usage{}, err
	}
	line := strings.TrimSpace(out)
	if line == "" {
		return Usage{}, fmt.Errorf("docker stats %s: empty output", name)
	}
	parts := strings.SplitN(line, "|", 2)
	if len(parts) != 2 {
		return Usage{}, fmt.Errorf("docker stats %s: unexpected output %q", name, line)
	}
	return Usage{
		CPUPerc:  strings.TrimSpace(parts[0]),
		MemUsage: strings.TrimSpace(parts[1]),
	}, nil
}

func parseExitCode(out string) (int, error) {
	s := strings.Trim(strings.TrimSpace(out), "'")
	if s == "" {
		return 0, ErrNoExitCode
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoExitCode, s)
	}
	return code, nil
}
