package isolation

import (
	"encoding/json"
	"fmt"
	"io"

	"apexhv/internal/hypervisor/config"
	"apexhv/pkg/apex"
)

// InitRequest is sent to partition-init on stdin once the partition's
// context is frozen.
type InitRequest struct {
	Partition     string        `json:"partition"`
	Image         string        `json:"image"`
	Args          []string      `json:"args"`
	Env           []string      `json:"env"`
	RootFS        string        `json:"rootfs,omitempty"`
	Mounts        []MountSpec   `json:"mounts,omitempty"`
	Syscalls      []string      `json:"syscalls,omitempty"`
	Limits        ResourceLimit `json:"limits"`
	EnableSeccomp bool          `json:"enable_seccomp"`
	EnableNs      bool          `json:"enable_ns"`
}

// MountSpec is a bind mount performed by the helper.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ResourceLimit holds rlimits applied by the helper.
type ResourceLimit struct {
	MemoryBytes int64 `json:"memory_bytes"`
	PIDs        int64 `json:"pids"`
}

// NewInitRequest builds the helper request for a descriptor.
func NewInitRequest(desc config.PartitionDescriptor, cfg Config, extraEnv []string) InitRequest {
	env := append([]string{}, desc.Env...)
	env = append(env,
		fmt.Sprintf("%s=%d", apex.CallFDEnv, apex.CallFD),
		apex.PartitionEnv+"="+desc.Name,
	)
	env = append(env, extraEnv...)

	mounts := make([]MountSpec, 0, len(desc.Mounts))
	for _, m := range desc.Mounts {
		mounts = append(mounts, MountSpec{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return InitRequest{
		Partition:     desc.Name,
		Image:         desc.Image,
		Args:          desc.Args,
		Env:           env,
		RootFS:        desc.RootFS,
		Mounts:        mounts,
		Syscalls:      desc.Syscalls,
		Limits:        ResourceLimit{MemoryBytes: desc.MemoryMax, PIDs: desc.PIDsMax},
		EnableSeccomp: cfg.EnableSeccomp && len(desc.Syscalls) > 0,
		EnableNs:      cfg.EnableNamespaces,
	}
}

// Validate checks the fields the helper relies on.
func (r InitRequest) Validate() error {
	if r.Image == "" {
		return fmt.Errorf("image is required")
	}
	if !r.EnableNs && (r.RootFS != "" || len(r.Mounts) > 0) {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}
	return nil
}

// Argv returns the exec argument vector.
func (r InitRequest) Argv() []string {
	return append([]string{r.Image}, r.Args...)
}

// WriteInitRequest encodes req as one JSON document.
func WriteInitRequest(w io.Writer, req InitRequest) error {
	return json.NewEncoder(w).Encode(req)
}

// ReadInitRequest decodes one request.
func ReadInitRequest(r io.Reader) (InitRequest, error) {
	var req InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
