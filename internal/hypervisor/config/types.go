// Package config loads and validates the hypervisor configuration document.
package config

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size written as a humanized string ("10KB", "1MiB") or a
// plain integer.
type ByteSize int64

// UnmarshalYAML parses humanized byte sizes.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MountConfig is a bind mount from the host into a partition.
type MountConfig struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// UnmarshalYAML also accepts the short form [source, target].
func (m *MountConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var pair []string
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return &yaml.TypeError{Errors: []string{"mount pair must have exactly two entries"}}
		}
		m.Source, m.Target = pair[0], pair[1]
		return nil
	}
	type plain MountConfig
	return node.Decode((*plain)(m))
}

// PartitionConfig is one entry of the partitions list.
type PartitionConfig struct {
	ID          int64             `yaml:"id"`
	Name        string            `yaml:"name"`
	Duration    time.Duration     `yaml:"duration"`
	Offset      time.Duration     `yaml:"offset"`
	Period      time.Duration     `yaml:"period"`
	Image       string            `yaml:"image"`
	Args        string            `yaml:"args"`
	Env         []string          `yaml:"env"`
	Memory      ByteSize          `yaml:"memory"`
	PIDs        int64             `yaml:"pids"`
	CPUMax      string            `yaml:"cpu_max"`
	Syscalls    []string          `yaml:"syscalls"`
	Mounts      []MountConfig     `yaml:"mounts"`
	RootFS      string            `yaml:"rootfs"`
	HostNetwork bool              `yaml:"host_network"`
	HMTable     map[string]string `yaml:"hm_table"`
	MaxRestarts *int              `yaml:"max_restarts"`
}

// PortRef names a port of a partition.
type PortRef struct {
	Partition string `yaml:"partition"`
	Port      string `yaml:"port"`
}

// PortRefs accepts either a single mapping or a list of mappings.
type PortRefs []PortRef

// UnmarshalYAML decodes one or many port references.
func (p *PortRefs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var one PortRef
		if err := node.Decode(&one); err != nil {
			return err
		}
		*p = PortRefs{one}
		return nil
	}
	var many []PortRef
	if err := node.Decode(&many); err != nil {
		return err
	}
	*p = many
	return nil
}

// ChannelConfig is one entry of the channel list. The kind comes from the
// kind key or from a !Sampling / !Queuing tag on the entry.
type ChannelConfig struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	MsgSize       ByteSize      `yaml:"msg_size"`
	MsgNum        int           `yaml:"msg_num"`
	Overflow      string        `yaml:"overflow"`
	RefreshPeriod time.Duration `yaml:"refresh_period"`
	Source        PortRef       `yaml:"source"`
	Destination   PortRefs      `yaml:"destination"`
}

// UnmarshalYAML reads tagged channel entries.
func (c *ChannelConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ChannelConfig
	tag := strings.ToLower(strings.TrimPrefix(node.Tag, "!"))
	if tag == "sampling" || tag == "queuing" {
		node.Tag = "!!map"
		if err := node.Decode((*plain)(c)); err != nil {
			return err
		}
		if c.Kind == "" {
			c.Kind = tag
		}
		return nil
	}
	return node.Decode((*plain)(c))
}

// HealthConfig holds module-wide health monitor settings.
type HealthConfig struct {
	ViolationThreshold int `yaml:"violation_threshold"`
	MaxRestarts        int `yaml:"max_restarts"`
}

// Document is the raw configuration document.
type Document struct {
	MajorFrame time.Duration     `yaml:"major_frame"`
	Cgroup     string            `yaml:"cgroup"`
	Partitions []PartitionConfig `yaml:"partitions"`
	Channels   []ChannelConfig   `yaml:"channel"`
	Health     HealthConfig      `yaml:"health"`
}
