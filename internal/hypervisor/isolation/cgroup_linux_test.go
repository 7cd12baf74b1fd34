//go:build linux

package isolation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apexhv/internal/hypervisor/config"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.TrimSpace(string(data))
}

func TestApplyCgroupLimits(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		desc   config.PartitionDescriptor
		pids   string
		memory string
		cpu    string
	}{
		{
			name:   "explicit limits",
			desc:   config.PartitionDescriptor{PIDsMax: 16, MemoryMax: 64 << 20, CPUMax: "50000 100000"},
			pids:   "16",
			memory: "67108864",
			cpu:    "50000 100000",
		},
		{
			name: "defaults",
			desc: config.PartitionDescriptor{},
			pids: "max",
			cpu:  "max 100000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cg := filepath.Join(dir, tt.name)
			if err := os.MkdirAll(cg, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := applyCgroupLimits(cg, tt.desc); err != nil {
				t.Fatalf("applyCgroupLimits failed: %v", err)
			}
			if got := readFile(t, filepath.Join(cg, "pids.max")); got != tt.pids {
				t.Fatalf("pids.max = %q, want %q", got, tt.pids)
			}
			if got := readFile(t, filepath.Join(cg, "cpu.max")); got != tt.cpu {
				t.Fatalf("cpu.max = %q, want %q", got, tt.cpu)
			}
			_, err := os.Stat(filepath.Join(cg, "memory.max"))
			if tt.memory == "" && err == nil {
				t.Fatalf("memory.max should not be written without a limit")
			}
			if tt.memory != "" {
				if got := readFile(t, filepath.Join(cg, "memory.max")); got != tt.memory {
					t.Fatalf("memory.max = %q, want %q", got, tt.memory)
				}
			}
		})
	}
}

func TestCgroupStatParsing(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("cpu.stat", "usage_usec 1500\nuser_usec 1000\nsystem_usec 500\n")
	write("memory.events", "low 0\nhigh 0\nmax 2\noom 1\noom_kill 1\n")
	write("cgroup.events", "populated 0\nfrozen 1\n")

	usage, err := cgroupCPUUsage(dir)
	if err != nil || usage != 1500*time.Microsecond {
		t.Fatalf("cgroupCPUUsage = %v, %v", usage, err)
	}
	if !wasOomKilled(dir) {
		t.Fatalf("expected oom kill to be detected")
	}
	events, err := cgroupEvents(dir)
	if err != nil || events["frozen"] != 1 || events["populated"] != 0 {
		t.Fatalf("unexpected events %v err=%v", events, err)
	}
	if wasOomKilled("") {
		t.Fatalf("empty path must not report oom")
	}
}

func TestFreezeAndCreateCgroup(t *testing.T) {
	root := t.TempDir()
	cg, err := createPartitionCgroup(root, "sensor")
	if err != nil {
		t.Fatalf("createPartitionCgroup failed: %v", err)
	}
	if err := freezeCgroup(cg, true); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}
	if got := readFile(t, filepath.Join(cg, "cgroup.freeze")); got != "1" {
		t.Fatalf("cgroup.freeze = %q", got)
	}
	if err := freezeCgroup(cg, false); err != nil {
		t.Fatalf("thaw failed: %v", err)
	}
	if got := readFile(t, filepath.Join(cg, "cgroup.freeze")); got != "0" {
		t.Fatalf("cgroup.freeze = %q", got)
	}
	if err := killCgroup(cg); err == nil {
		t.Fatalf("killCgroup must fail when cgroup.kill is absent")
	}
	if _, err := createPartitionCgroup("", "x"); err == nil {
		t.Fatalf("empty root must be rejected")
	}
}
