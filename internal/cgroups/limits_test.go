package cgroups

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReadV2(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "cgroup.controllers"), "cpu memory io\n")
	write(t, filepath.Join(root, "memory.max"), "2147483648\n")
	write(t, filepath.Join(root, "cpu.max"), "150000 100000\n")

	l, err := Read(root)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if l.Version != 2 || l.MemoryBytes != 2<<30 || l.CPUQuota != 1.5 {
		t.Errorf("unexpected limits %+v", l)
	}
}

func TestReadV2Unlimited(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "cgroup.controllers"), "cpu memory\n")
	write(t, filepath.Join(root, "memory.max"), "max\n")
	write(t, filepath.Join(root, "cpu.max"), "max 100000\n")

	l, err := Read(root)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if l.MemoryBytes != 0 || l.CPUQuota != 0 {
		t.Errorf("expected no limits, got %+v", l)
	}
}

func TestReadV1(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "memory", "memory.limit_in_bytes"), "9223372036854771712\n")
	write(t, filepath.Join(root, "cpu", "cpu.cfs_quota_us"), "200000\n")
	write(t, filepath.Join(root, "cpu", "cpu.cfs_period_us"), "100000\n")

	l, err := Read(root)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if l.Version != 1 || l.MemoryBytes != 0 || l.CPUQuota != 2 {
		t.Errorf("unexpected limits %+v", l)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "cgroup.controllers"), "")
	write(t, filepath.Join(root, "memory.max"), "lots\n")

	if _, err := Read(root); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReadMissingFilesMeanNoLimit(t *testing.T) {
	l, err := Read(t.TempDir())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if l.Version != 1 || l.MemoryBytes != 0 || l.CPUQuota != 0 {
		t.Errorf("unexpected limits %+v", l)
	}
}
