//go:build linux

package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"apexhv/internal/hypervisor/config"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

type partitionRuntime struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	cgroup    string
	cgroupFD  *os.File
	startedAt time.Time
	frozen    atomic.Bool
	killed    atomic.Bool
	baseline  atomic.Int64
	done      chan struct{}
}

type linuxManager struct {
	cfg    Config
	arena  *arena[*partitionRuntime]
	exits  chan ExitEvent
	closed chan struct{}
	once   sync.Once
	// setFrozen is freeze; tests replace it to inject failures.
	setFrozen func(rt *partitionRuntime, frozen bool) error
}

// NewManager creates a Linux isolation manager.
func NewManager(cfg Config) (Manager, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = defaultHelperPath
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		cfg.CgroupRoot = config.DefaultCgroup
	}
	if cfg.EnableCgroup {
		if err := os.MkdirAll(cfg.CgroupRoot, 0750); err != nil {
			code := apperrors.CgroupFailed
			if errors.Is(err, os.ErrPermission) {
				code = apperrors.InsufficientPrivilege
			}
			return nil, apperrors.Wrapf(err, code, "create cgroup root %s", cfg.CgroupRoot)
		}
		// Controllers must be delegated before children can set limits.
		_ = writeCgroupValue(cfg.CgroupRoot, "cgroup.subtree_control", "+cpu +memory +pids")
	}
	m := &linuxManager{
		cfg:    cfg,
		arena:  newArena[*partitionRuntime](),
		exits:  make(chan ExitEvent, exitBuffer),
		closed: make(chan struct{}),
	}
	m.setFrozen = m.freeze
	return m, nil
}

func (m *linuxManager) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	desc := req.Descriptor
	ctx = logger.WithPartition(ctx, desc.Name)
	initReq := NewInitRequest(desc, m.cfg, req.Env)
	if err := initReq.Validate(); err != nil {
		return Handle{}, apperrors.Wrap(err, apperrors.IsolationFailed)
	}
	if m.cfg.EnableSeccomp && !initReq.EnableSeccomp {
		logger.Warn(ctx, "seccomp filter skipped, partition lists no syscalls")
	}

	rt := &partitionRuntime{name: desc.Name, done: make(chan struct{})}
	cleanup := func() {
		if rt.cgroupFD != nil {
			_ = rt.cgroupFD.Close()
		}
		if rt.cgroup != "" {
			_ = removeCgroup(rt.cgroup, m.cfg.KillTimeout)
		}
	}

	if m.cfg.EnableCgroup {
		path, err := createPartitionCgroup(m.cfg.CgroupRoot, desc.Name)
		if err != nil {
			return Handle{}, err
		}
		rt.cgroup = path
		if err := applyCgroupLimits(path, desc); err != nil {
			cleanup()
			return Handle{}, err
		}
		fd, err := os.Open(path)
		if err != nil {
			cleanup()
			return Handle{}, apperrors.Wrapf(err, apperrors.CgroupFailed, "open cgroup %s", path)
		}
		rt.cgroupFD = fd
	}

	var cmd *exec.Cmd
	if m.cfg.Direct {
		cmd = exec.Command(initReq.Image, initReq.Args...)
		cmd.Env = initReq.Env
	} else {
		cmd = exec.Command(m.cfg.HelperPath)
		cmd.Env = []string{}
	}
	cmd.SysProcAttr = buildSysProcAttr(desc, m.cfg.EnableNamespaces && !m.cfg.Direct)
	if rt.cgroupFD != nil {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(rt.cgroupFD.Fd())
	}
	if req.CallFile != nil {
		cmd.ExtraFiles = append([]*os.File{req.CallFile}, req.Files...)
	}
	cmd.Stdout = &lineLogger{ctx: ctx, stream: "stdout"}
	cmd.Stderr = &lineLogger{ctx: ctx, stream: "stderr"}
	cmd.WaitDelay = m.cfg.KillTimeout

	var stdin *os.File
	if !m.cfg.Direct {
		r, w, err := os.Pipe()
		if err != nil {
			cleanup()
			return Handle{}, apperrors.Wrap(err, apperrors.IsolationFailed)
		}
		cmd.Stdin = r
		stdin = w
		defer r.Close()
	}

	if err := cmd.Start(); err != nil {
		if stdin != nil {
			_ = stdin.Close()
		}
		cleanup()
		code := apperrors.IsolationFailed
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
			code = apperrors.InsufficientPrivilege
		}
		return Handle{}, apperrors.Wrapf(err, code, "start partition %s", desc.Name)
	}
	if req.CallFile != nil {
		_ = req.CallFile.Close()
	}
	rt.cmd = cmd
	rt.pid = cmd.Process.Pid
	rt.startedAt = time.Now()

	// A partition that cannot be held would run outside its window.
	if err := m.setFrozen(rt, true); err != nil {
		if stdin != nil {
			_ = stdin.Close()
		}
		m.forceKill(rt)
		_ = cmd.Wait()
		cleanup()
		return Handle{}, apperrors.Wrapf(err, apperrors.IsolationFailed, "suspend %s before start", desc.Name)
	}
	if stdin != nil {
		err := WriteInitRequest(stdin, initReq)
		_ = stdin.Close()
		if err != nil {
			m.forceKill(rt)
			_ = cmd.Wait()
			cleanup()
			return Handle{}, apperrors.Wrapf(err, apperrors.IsolationFailed, "send init request to %s", desc.Name)
		}
	}

	h := m.arena.insert(desc.Name, rt)
	go m.wait(ctx, h, rt)
	logger.Info(ctx, "partition spawned",
		zap.Int("pid", rt.pid),
		zap.String("cgroup", rt.cgroup),
		zap.Uint64("generation", h.Generation),
	)
	return h, nil
}

func (m *linuxManager) wait(ctx context.Context, h Handle, rt *partitionRuntime) {
	waitErr := rt.cmd.Wait()
	state := rt.cmd.ProcessState
	event := ExitEvent{
		Handle:    h,
		Partition: rt.name,
		ExitCode:  exitCodeFromErr(waitErr, state),
		At:        time.Now(),
	}
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			event.Signaled = true
			event.Signal = ws.Signal().String()
		}
	}
	if waitErr != nil && state == nil {
		event.Err = waitErr
	}
	if wasOomKilled(rt.cgroup) {
		event.Err = errors.Join(event.Err, fmt.Errorf("cgroup oom kill"))
	}
	if rt.cgroupFD != nil {
		_ = rt.cgroupFD.Close()
	}
	if rt.cgroup != "" {
		if err := removeCgroup(rt.cgroup, m.cfg.KillTimeout); err != nil {
			logger.Warn(ctx, "remove cgroup failed", zap.String("cgroup", rt.cgroup), zap.Error(err))
		}
	}
	close(rt.done)

	if rt.killed.Load() {
		return
	}
	logger.Warn(ctx, "partition exited",
		zap.Int("exit_code", event.ExitCode),
		zap.Bool("signaled", event.Signaled),
		zap.String("signal", event.Signal),
	)
	select {
	case m.exits <- event:
	case <-m.closed:
	}
}

func (m *linuxManager) Resume(ctx context.Context, h Handle) error {
	rt, err := m.arena.get(h)
	if err != nil {
		return err
	}
	if used, err := m.cpuTime(rt); err == nil {
		rt.baseline.Store(int64(used))
	}
	return m.setFrozen(rt, false)
}

func (m *linuxManager) Suspend(ctx context.Context, h Handle) error {
	rt, err := m.arena.get(h)
	if err != nil {
		return err
	}
	return m.setFrozen(rt, true)
}

func (m *linuxManager) Kill(ctx context.Context, h Handle) error {
	rt, err := m.arena.get(h)
	if err != nil {
		return err
	}
	rt.killed.Store(true)
	m.forceKill(rt)
	defer m.arena.release(h)

	timer := time.NewTimer(m.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-rt.done:
		return nil
	case <-timer.C:
		return apperrors.Newf(apperrors.ProcessSignalFailed, "partition %s not reaped after %s", rt.name, m.cfg.KillTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *linuxManager) Usage(h Handle) (time.Duration, error) {
	rt, err := m.arena.get(h)
	if err != nil {
		return 0, err
	}
	used, err := m.cpuTime(rt)
	if err != nil {
		return 0, err
	}
	delta := used - time.Duration(rt.baseline.Load())
	if delta < 0 {
		delta = 0
	}
	return delta, nil
}

func (m *linuxManager) Runtime(h Handle) (RuntimeView, bool) {
	rt, err := m.arena.get(h)
	if err != nil {
		return RuntimeView{}, false
	}
	view := RuntimeView{
		Partition: rt.name,
		Handle:    h,
		PID:       rt.pid,
		Frozen:    rt.frozen.Load(),
		Cgroup:    rt.cgroup,
		StartedAt: rt.startedAt,
	}
	select {
	case <-rt.done:
	default:
		view.Running = true
	}
	if used, err := m.Usage(h); err == nil {
		view.WindowCPU = used
	}
	return view, true
}

func (m *linuxManager) Exits() <-chan ExitEvent {
	return m.exits
}

func (m *linuxManager) Close(ctx context.Context) error {
	var errs []error
	for _, h := range m.arena.live() {
		if err := m.Kill(ctx, h); err != nil && !apperrors.Is(err, apperrors.HandleInvalid) {
			errs = append(errs, err)
		}
	}
	m.once.Do(func() { close(m.closed) })
	return errors.Join(errs...)
}

func (m *linuxManager) freeze(rt *partitionRuntime, frozen bool) error {
	if rt.cgroup != "" {
		if err := freezeCgroup(rt.cgroup, frozen); err != nil {
			return err
		}
		rt.frozen.Store(frozen)
		return nil
	}
	sig := syscall.SIGCONT
	if frozen {
		sig = syscall.SIGSTOP
	}
	if err := syscall.Kill(-rt.pid, sig); err != nil {
		return apperrors.Wrapf(err, apperrors.ProcessSignalFailed, "send %s to %s", sig, rt.name)
	}
	rt.frozen.Store(frozen)
	return nil
}

func (m *linuxManager) forceKill(rt *partitionRuntime) {
	if rt.cgroup != "" {
		if err := killCgroup(rt.cgroup); err == nil {
			return
		}
	}
	killProcessGroup(rt.pid)
}

func (m *linuxManager) cpuTime(rt *partitionRuntime) (time.Duration, error) {
	if rt.cgroup != "" {
		if used, err := cgroupCPUUsage(rt.cgroup); err == nil {
			return used, nil
		}
	}
	proc, err := procfs.NewProc(rt.pid)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.IsolationFailed, "open proc %d", rt.pid)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.IsolationFailed, "read proc %d stat", rt.pid)
	}
	return time.Duration(stat.CPUTime() * float64(time.Second)), nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func buildSysProcAttr(desc config.PartitionDescriptor, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !desc.HostNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

// lineLogger forwards partition output to the hypervisor log, one entry per
// line.
type lineLogger struct {
	ctx    context.Context
	stream string
	mu     sync.Mutex
	buf    bytes.Buffer
}

const maxLineBytes = 4096

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		idx := bytes.IndexByte(l.buf.Bytes(), '\n')
		if idx < 0 {
			if l.buf.Len() > maxLineBytes {
				l.emit(l.buf.Next(maxLineBytes))
				continue
			}
			break
		}
		line := l.buf.Next(idx + 1)
		l.emit(line[:len(line)-1])
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	logger.Info(l.ctx, "partition output", zap.String("stream", l.stream), zap.ByteString("line", line))
}
