//go:build linux

package isolation

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"apexhv/internal/hypervisor/config"
	apperrors "apexhv/pkg/errors"
)

func newDirectManager(t *testing.T) Manager {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	m, err := NewManager(Config{Direct: true, KillTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func shellPartition(name, script string) config.PartitionDescriptor {
	return config.PartitionDescriptor{
		Name:  name,
		Image: "/bin/sh",
		Args:  []string{"-c", script},
	}
}

func TestManagerSpawnResumeExit(t *testing.T) {
	m := newDirectManager(t)
	ctx := context.Background()

	h, err := m.Spawn(ctx, SpawnRequest{Descriptor: shellPartition("worker", "sleep 0.2; exit 3")})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	view, ok := m.Runtime(h)
	if !ok || !view.Running || !view.Frozen || view.PID <= 0 {
		t.Fatalf("unexpected runtime after spawn: %+v", view)
	}
	if err := m.Resume(ctx, h); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := m.Usage(h); err != nil {
		t.Fatalf("Usage failed: %v", err)
	}

	select {
	case ev := <-m.Exits():
		if ev.Partition != "worker" || ev.ExitCode != 3 || ev.Handle != h {
			t.Fatalf("unexpected exit event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no exit event")
	}
}

func TestManagerSuspendHoldsProcess(t *testing.T) {
	m := newDirectManager(t)
	ctx := context.Background()

	h, err := m.Spawn(ctx, SpawnRequest{Descriptor: shellPartition("frozen", "sleep 0.1; exit 0")})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	select {
	case ev := <-m.Exits():
		t.Fatalf("suspended partition exited: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
	if err := m.Resume(ctx, h); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	select {
	case ev := <-m.Exits():
		if ev.ExitCode != 0 {
			t.Fatalf("unexpected exit event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("resumed partition did not finish")
	}

	long, err := m.Spawn(ctx, SpawnRequest{Descriptor: shellPartition("long", "sleep 30")})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := m.Resume(ctx, long); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := m.Suspend(ctx, long); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if view, _ := m.Runtime(long); !view.Frozen {
		t.Fatalf("expected frozen runtime")
	}
}

func TestManagerKillEmitsNoExit(t *testing.T) {
	m := newDirectManager(t)
	ctx := context.Background()

	h, err := m.Spawn(ctx, SpawnRequest{Descriptor: shellPartition("victim", "sleep 30")})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := m.Resume(ctx, h); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := m.Kill(ctx, h); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if _, err := m.Usage(h); !apperrors.Is(err, apperrors.HandleInvalid) {
		t.Fatalf("killed handle must be invalid, got %v", err)
	}
	if err := m.Kill(ctx, h); !apperrors.Is(err, apperrors.HandleInvalid) {
		t.Fatalf("second Kill must fail, got %v", err)
	}
	select {
	case ev := <-m.Exits():
		t.Fatalf("kill must not emit exit event, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManagerRejectsMissingImage(t *testing.T) {
	m := newDirectManager(t)
	_, err := m.Spawn(context.Background(), SpawnRequest{Descriptor: config.PartitionDescriptor{Name: "empty"}})
	if !apperrors.Is(err, apperrors.IsolationFailed) {
		t.Fatalf("expected IsolationFailed, got %v", err)
	}
}

func TestManagerSpawnFailsWhenInitialSuspendFails(t *testing.T) {
	m := newDirectManager(t)
	lm := m.(*linuxManager)
	var pid int
	lm.setFrozen = func(rt *partitionRuntime, frozen bool) error {
		pid = rt.pid
		return apperrors.New(apperrors.ProcessSignalFailed).WithMessage("freeze refused")
	}

	_, err := m.Spawn(context.Background(), SpawnRequest{Descriptor: shellPartition("loose", "sleep 30")})
	if !apperrors.Is(err, apperrors.IsolationFailed) {
		t.Fatalf("expected IsolationFailed, got %v", err)
	}
	if pid <= 0 {
		t.Fatal("suspend was never attempted")
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("partition process %d must be reaped, kill(0) returned %v", pid, err)
	}
	if n := len(lm.arena.live()); n != 0 {
		t.Fatalf("expected no live handles, got %d", n)
	}
	select {
	case ev := <-m.Exits():
		t.Fatalf("failed spawn must not emit exit event, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerPassesExtraFiles(t *testing.T) {
	m := newDirectManager(t)
	ctx := context.Background()

	callParent, callChild, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer callParent.Close()
	extraRead, extraWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	if _, err := extraWrite.WriteString("mapped\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = extraWrite.Close()

	h, err := m.Spawn(ctx, SpawnRequest{
		Descriptor: shellPartition("reader", `read v <&4; [ "$v" = mapped ] && exit 7; exit 1`),
		CallFile:   callChild,
		Files:      []*os.File{extraRead},
	})
	_ = extraRead.Close()
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := m.Resume(ctx, h); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	select {
	case ev := <-m.Exits():
		if ev.ExitCode != 7 {
			t.Fatalf("partition did not read fd 4, exit %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
}
