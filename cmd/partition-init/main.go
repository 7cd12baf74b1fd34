//go:build linux

// Command partition-init prepares a partition's isolated context and then
// executes the partition image in place. The hypervisor starts it inside
// fresh namespaces, writes one InitRequest on stdin and passes the APEX call
// socket as fd 3.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"apexhv/internal/hypervisor/isolation"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "partition-init: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	req, err := isolation.ReadInitRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := unix.Sethostname([]byte(req.Partition)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
		if err := applyBindMounts(req.RootFS, req.Mounts); err != nil {
			return err
		}
		if req.RootFS != "" {
			if err := unix.Chroot(req.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	}

	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	if err := detachStdin(); err != nil {
		return err
	}

	env := buildEnv(req.Env)
	cmdPath, err := resolveImage(req.Image, env)
	if err != nil {
		return err
	}

	if req.EnableSeccomp {
		if err := applySeccomp(allowList(req.Syscalls)); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Argv(), env)
}

func applyBindMounts(rootfs string, mounts []isolation.MountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Source, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly %s: %w", target, err)
			}
		}
	}
	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := os.MkdirAll(procPath, 0755); err != nil {
			return fmt.Errorf("mkdir proc: %w", err)
		}
		if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

// applyRlimits caps process count. Memory is enforced by the cgroup.
func applyRlimits(limits isolation.ResourceLimit) error {
	if limits.PIDs > 0 {
		val := uint64(limits.PIDs)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

// detachStdin replaces the request pipe with /dev/null. Stdout, stderr and
// the call socket are inherited as they are.
func detachStdin() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return nil
}

func resolveImage(image string, env []string) (string, error) {
	if strings.Contains(image, "/") {
		return image, nil
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			if err := os.Setenv("PATH", strings.TrimPrefix(kv, "PATH=")); err != nil {
				return "", fmt.Errorf("set env: %w", err)
			}
		}
	}
	path, err := exec.LookPath(image)
	if err != nil {
		return "", fmt.Errorf("resolve image: %w", err)
	}
	return path, nil
}

func buildEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// baseSyscalls is what this helper needs between filter load and exec, what
// the Go runtime and the dynamic loader need to start the image, and what the
// APEX client needs on its call socket. Partitions list anything else they use.
var baseSyscalls = []string{
	// exec and exit
	"execve", "exit", "exit_group",
	// memory
	"brk", "mmap", "munmap", "mprotect", "madvise", "mremap",
	// threads and scheduling
	"arch_prctl", "clone", "clone3", "set_tid_address", "set_robust_list", "rseq",
	"futex", "sched_yield", "sched_getaffinity", "gettid", "getpid", "tgkill",
	"nanosleep", "clock_nanosleep", "clock_gettime",
	// signals
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	// files the runtime and the loader open at startup
	"openat", "read", "write", "close", "pread64", "lseek", "fstat", "newfstatat",
	"readlinkat", "access", "faccessat", "faccessat2", "fcntl", "uname",
	"getrandom", "prlimit64", "getrlimit", "setrlimit",
	// netpoller
	"epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_wait", "eventfd2", "pipe2",
}

// allowList merges the configured syscalls with the base set.
func allowList(configured []string) []string {
	seen := make(map[string]struct{}, len(configured)+len(baseSyscalls))
	var out []string
	for _, group := range [][]string{baseSyscalls, configured} {
		for _, name := range group {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func isBaseSyscall(name string) bool {
	for _, base := range baseSyscalls {
		if base == name {
			return true
		}
	}
	return false
}

// applySeccomp loads an allow-list filter. Anything else kills the process
// with SIGSYS, which the hypervisor reports as a partition fault.
func applySeccomp(names []string) error {
	filter, err := seccomp.NewFilter(seccomp.ActKillProcess)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, name := range names {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			if isBaseSyscall(name) {
				// not present on this architecture
				continue
			}
			return fmt.Errorf("unknown syscall %q: %w", name, err)
		}
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return fmt.Errorf("add seccomp rule %s: %w", name, err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
