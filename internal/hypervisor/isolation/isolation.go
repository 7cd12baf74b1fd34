// Package isolation maps partitions onto isolated OS execution contexts:
// one process group, namespace set and cgroup per partition.
package isolation

import (
	"context"
	"os"
	"time"

	"apexhv/internal/hypervisor/config"
)

// Handle identifies one incarnation of a partition's execution context. A
// handle from an earlier incarnation is rejected.
type Handle struct {
	Index      int
	Generation uint64
}

// Valid reports whether h was issued by a manager.
func (h Handle) Valid() bool {
	return h.Generation > 0
}

// SpawnRequest describes what to start.
type SpawnRequest struct {
	Descriptor config.PartitionDescriptor
	// CallFile is the partition end of the APEX call socket. It becomes fd 3 in
	// the partition and is closed in the hypervisor after start.
	CallFile *os.File
	// Files follow CallFile as fd 4 onwards. They are ignored without a
	// CallFile. The caller closes them after Spawn returns.
	Files []*os.File
	// Env is appended to the descriptor's environment.
	Env []string
}

// ExitEvent reports that a partition process terminated on its own.
type ExitEvent struct {
	Handle    Handle
	Partition string
	ExitCode  int
	Signaled  bool
	Signal    string
	Err       error
	At        time.Time
}

// RuntimeView is a read-only snapshot of a partition's runtime.
type RuntimeView struct {
	Partition string    `json:"partition"`
	Handle    Handle    `json:"handle"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	Frozen    bool      `json:"frozen"`
	Cgroup    string    `json:"cgroup,omitempty"`
	StartedAt time.Time `json:"started_at"`
	// WindowCPU is CPU time consumed since the last resume.
	WindowCPU time.Duration `json:"window_cpu"`
}

// Manager owns every partition's execution context. Only the run loop calls
// the mutating methods.
type Manager interface {
	// Spawn creates the context and starts the partition frozen.
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
	// Resume thaws the partition.
	Resume(ctx context.Context, h Handle) error
	// Suspend freezes the partition; in-process state survives.
	Suspend(ctx context.Context, h Handle) error
	// Kill tears the context down and reaps it. No ExitEvent is emitted.
	Kill(ctx context.Context, h Handle) error
	// Usage returns CPU time consumed since the last Resume.
	Usage(h Handle) (time.Duration, error)
	// Runtime returns a snapshot of the context.
	Runtime(h Handle) (RuntimeView, bool)
	// Exits delivers unexpected terminations.
	Exits() <-chan ExitEvent
	// Close kills every context.
	Close(ctx context.Context) error
}

// Config controls how contexts are built.
type Config struct {
	CgroupRoot string
	// HelperPath is the partition-init binary. Direct skips it and executes
	// the image itself, without namespaces, mounts or seccomp.
	HelperPath       string
	Direct           bool
	EnableCgroup     bool
	EnableNamespaces bool
	EnableSeccomp    bool
	// KillTimeout bounds how long Kill waits for the process to be reaped.
	KillTimeout time.Duration
}

const (
	defaultHelperPath  = "partition-init"
	defaultKillTimeout = 2 * time.Second
	exitBuffer         = 64
)
