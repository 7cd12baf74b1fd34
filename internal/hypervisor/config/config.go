package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/port"
	"apexhv/internal/hypervisor/schedule"
	apperrors "apexhv/pkg/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCgroup is the cgroup v2 directory partitions are placed under.
	DefaultCgroup = "/sys/fs/cgroup/apexhv"
	// DefaultPIDs is the pids.max written when a partition leaves it unset.
	DefaultPIDs = 64
)

// Mount is a validated bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PartitionDescriptor is the immutable identity and resource envelope of a
// partition.
type PartitionDescriptor struct {
	ID          int64
	Name        string
	Slot        schedule.PartitionSlot
	Image       string
	Args        []string
	Env         []string
	MemoryMax   int64
	PIDsMax     int64
	CPUMax      string
	Syscalls    []string
	Mounts      []Mount
	RootFS      string
	HostNetwork bool
	Policy      health.Policy
}

// Model is the validated configuration handed to the hypervisor.
type Model struct {
	Schedule           schedule.SystemSchedule
	Partitions         []PartitionDescriptor
	Channels           []port.ChannelSpec
	Cgroup             string
	ViolationThreshold int
}

// Partition returns the descriptor with the given name.
func (m *Model) Partition(name string) (PartitionDescriptor, bool) {
	for _, p := range m.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return PartitionDescriptor{}, false
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrapf(err, apperrors.ConfigNotFound, "config file %s not found", path)
		}
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "read config file %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Build(doc, filepath.Dir(path))
}

// Parse decodes the document without validating it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse config: %v", err)
	}
	return &doc, nil
}

// Build validates doc and produces the runtime model. Relative image paths
// are resolved against baseDir.
func Build(doc *Document, baseDir string) (*Model, error) {
	if doc == nil {
		return nil, apperrors.New(apperrors.ConfigInvalid).WithMessage("empty configuration")
	}
	model := &Model{
		Cgroup:             doc.Cgroup,
		ViolationThreshold: doc.Health.ViolationThreshold,
	}
	if model.Cgroup == "" {
		model.Cgroup = DefaultCgroup
	}
	if model.ViolationThreshold <= 0 {
		model.ViolationThreshold = health.DefaultViolationThreshold
	}
	maxRestarts := doc.Health.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = health.DefaultMaxRestarts
	}

	ids := make(map[int64]string)
	names := make(map[string]bool)
	periods := make(map[string]time.Duration)
	model.Schedule.MajorFrame = doc.MajorFrame
	for i, pc := range doc.Partitions {
		field := fmt.Sprintf("partitions[%d]", i)
		if pc.Name == "" {
			return nil, apperrors.ConfigError(apperrors.ConfigInvalid, field+".name", "is required")
		}
		field = pc.Name
		if names[pc.Name] {
			return nil, apperrors.ConfigError(apperrors.PartitionUnique, field, "duplicate partition name")
		}
		if other, ok := ids[pc.ID]; ok {
			return nil, apperrors.ConfigError(apperrors.PartitionUnique, field,
				fmt.Sprintf("partition id %d already used by %s", pc.ID, other))
		}
		names[pc.Name] = true
		ids[pc.ID] = pc.Name

		desc, err := buildPartition(pc, baseDir, maxRestarts)
		if err != nil {
			return nil, err
		}
		if desc.Slot.Period == 0 {
			desc.Slot.Period = doc.MajorFrame
		}
		periods[desc.Name] = desc.Slot.Period
		model.Schedule.Slots = append(model.Schedule.Slots, desc.Slot)
		model.Partitions = append(model.Partitions, desc)
	}
	if err := model.Schedule.Validate(); err != nil {
		return nil, err
	}

	used := make(map[port.Endpoint]string)
	for i, cc := range doc.Channels {
		spec, err := buildChannel(i, cc, periods)
		if err != nil {
			return nil, err
		}
		for _, ep := range append([]port.Endpoint{spec.Source}, spec.Destinations...) {
			if other, ok := used[ep]; ok {
				return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name,
					fmt.Sprintf("port %s already used by channel %s", ep, other))
			}
			used[ep] = spec.Name
		}
		model.Channels = append(model.Channels, spec)
	}
	return model, nil
}

func buildPartition(pc PartitionConfig, baseDir string, maxRestarts int) (PartitionDescriptor, error) {
	if pc.Image == "" {
		return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".image", "is required")
	}
	image := pc.Image
	if !filepath.IsAbs(image) && baseDir != "" {
		image = filepath.Join(baseDir, image)
	}
	args, err := shlex.Split(pc.Args)
	if err != nil {
		return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".args", err.Error())
	}

	table := make(map[health.FaultKind]health.Action, len(pc.HMTable))
	for k, v := range pc.HMTable {
		kind, ok := health.ParseFaultKind(k)
		if !ok {
			return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".hm_table", "unknown fault kind "+k)
		}
		action, ok := health.ParseAction(v)
		if !ok {
			return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".hm_table."+k, "unknown action "+v)
		}
		table[kind] = action
	}
	restarts := maxRestarts
	if pc.MaxRestarts != nil {
		restarts = *pc.MaxRestarts
	}

	mounts := make([]Mount, 0, len(pc.Mounts))
	for _, m := range pc.Mounts {
		if m.Source == "" || m.Target == "" {
			return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".mounts", "source and target are required")
		}
		if !filepath.IsAbs(m.Target) {
			return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name+".mounts", "target must be absolute: "+m.Target)
		}
		mounts = append(mounts, Mount(m))
	}
	if pc.Memory < 0 || pc.PIDs < 0 {
		return PartitionDescriptor{}, apperrors.ConfigError(apperrors.ConfigInvalid, pc.Name, "resource limits must not be negative")
	}
	pids := pc.PIDs
	if pids == 0 {
		pids = DefaultPIDs
	}

	return PartitionDescriptor{
		ID:   pc.ID,
		Name: pc.Name,
		Slot: schedule.PartitionSlot{
			PartitionID: pc.ID,
			Name:        pc.Name,
			Offset:      pc.Offset,
			Duration:    pc.Duration,
			Period:      pc.Period,
		},
		Image:       image,
		Args:        args,
		Env:         pc.Env,
		MemoryMax:   int64(pc.Memory),
		PIDsMax:     pids,
		CPUMax:      pc.CPUMax,
		Syscalls:    pc.Syscalls,
		Mounts:      mounts,
		RootFS:      pc.RootFS,
		HostNetwork: pc.HostNetwork,
		Policy:      health.Policy{Table: table, MaxRestarts: restarts},
	}, nil
}

func buildChannel(i int, cc ChannelConfig, periods map[string]time.Duration) (port.ChannelSpec, error) {
	name := cc.Name
	if name == "" {
		name = cc.Source.Partition + ":" + cc.Source.Port
	}
	field := fmt.Sprintf("channel[%d](%s)", i, name)

	kind, ok := port.ParseKind(cc.Kind)
	if !ok {
		return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".kind", "must be sampling or queuing")
	}
	if cc.MsgSize <= 0 {
		return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".msg_size", "must be positive")
	}
	overflow, ok := port.ParseOverflow(cc.Overflow)
	if !ok {
		return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".overflow", "must be reject or drop_oldest")
	}

	refs := append(PortRefs{cc.Source}, cc.Destination...)
	for _, ref := range refs {
		if ref.Partition == "" || ref.Port == "" {
			return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field, "every endpoint needs partition and port")
		}
		if _, ok := periods[ref.Partition]; !ok {
			return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field, "unknown partition "+ref.Partition)
		}
	}

	spec := port.ChannelSpec{
		Name:     name,
		Kind:     kind,
		MsgSize:  int(cc.MsgSize),
		Overflow: overflow,
		Source:   port.Endpoint{Partition: cc.Source.Partition, Port: cc.Source.Port},
	}
	for _, d := range cc.Destination {
		spec.Destinations = append(spec.Destinations, port.Endpoint{Partition: d.Partition, Port: d.Port})
	}

	switch kind {
	case port.KindSampling:
		if len(spec.Destinations) == 0 {
			return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".destination", "sampling needs at least one destination")
		}
		spec.RefreshPeriod = cc.RefreshPeriod
		if spec.RefreshPeriod <= 0 {
			spec.RefreshPeriod = periods[spec.Source.Partition]
		}
	case port.KindQueuing:
		if len(spec.Destinations) != 1 {
			return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".destination", "queuing needs exactly one destination")
		}
		if cc.MsgNum <= 0 {
			return port.ChannelSpec{}, apperrors.ConfigError(apperrors.ChannelInvalid, field+".msg_num", "must be positive")
		}
		spec.MsgNum = cc.MsgNum
	}
	return spec, nil
}
