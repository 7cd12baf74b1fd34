package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/port"
	apperrors "apexhv/pkg/errors"
)

const validConfig = `
major_frame: 1s
partitions:
  - id: 0
    name: Foo
    duration: 10ms
    offset: 0ms
    period: 500ms
    image: bin/hello
    args: '--greeting "hello world" -v'
    memory: 64MiB
    mounts:
      - [/dev/urandom, /dev/urandom]
      - source: /etc/hosts
        target: /etc/hosts
        read_only: true
    hm_table:
      overrun: cold_restart
  - id: 1
    name: Bar
    offset: 100ms
    duration: 10ms
    image: /opt/bar
    period: 1s
    max_restarts: 0
channel:
  - !Sampling
    msg_size: 10KB
    source:
      partition: Foo
      port: HelloSend
    destination:
      - partition: Bar
        port: Hello
  - kind: queuing
    name: commands
    msg_size: 1KiB
    msg_num: 4
    overflow: drop_oldest
    source:
      partition: Bar
      port: CmdOut
    destination:
      partition: Foo
      port: CmdIn
`

func TestBuildValidConfig(t *testing.T) {
	doc, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	model, err := Build(doc, "/etc/apexhv")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if model.Schedule.MajorFrame != time.Second || len(model.Schedule.Slots) != 2 {
		t.Fatalf("unexpected schedule %+v", model.Schedule)
	}
	windows, err := model.Schedule.Windows()
	if err != nil || len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d err=%v", len(windows), err)
	}
	if model.Cgroup != DefaultCgroup || model.ViolationThreshold != health.DefaultViolationThreshold {
		t.Fatalf("defaults not applied: %q %d", model.Cgroup, model.ViolationThreshold)
	}

	foo, ok := model.Partition("Foo")
	if !ok {
		t.Fatalf("Foo missing")
	}
	if foo.Image != "/etc/apexhv/bin/hello" {
		t.Fatalf("relative image not resolved: %s", foo.Image)
	}
	if strings.Join(foo.Args, "|") != "--greeting|hello world|-v" {
		t.Fatalf("args not split: %q", foo.Args)
	}
	if foo.MemoryMax != 64<<20 || foo.PIDsMax != DefaultPIDs {
		t.Fatalf("unexpected limits: mem=%d pids=%d", foo.MemoryMax, foo.PIDsMax)
	}
	if len(foo.Mounts) != 2 || foo.Mounts[0].Target != "/dev/urandom" || !foo.Mounts[1].ReadOnly {
		t.Fatalf("unexpected mounts %+v", foo.Mounts)
	}
	if foo.Policy.Lookup(health.Overrun) != health.ColdRestart || foo.Policy.MaxRestarts != health.DefaultMaxRestarts {
		t.Fatalf("unexpected policy %+v", foo.Policy)
	}
	bar, _ := model.Partition("Bar")
	if bar.Policy.MaxRestarts != 0 || bar.Image != "/opt/bar" {
		t.Fatalf("unexpected Bar descriptor %+v", bar)
	}

	if len(model.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(model.Channels))
	}
	sampling := model.Channels[0]
	if sampling.Kind != port.KindSampling || sampling.MsgSize != 10000 || sampling.Name != "Foo:HelloSend" {
		t.Fatalf("unexpected sampling channel %+v", sampling)
	}
	if sampling.RefreshPeriod != 500*time.Millisecond {
		t.Fatalf("refresh period should default to source period, got %v", sampling.RefreshPeriod)
	}
	queuing := model.Channels[1]
	if queuing.Kind != port.KindQueuing || queuing.MsgSize != 1024 || queuing.MsgNum != 4 || queuing.Overflow != port.DropOldest {
		t.Fatalf("unexpected queuing channel %+v", queuing)
	}
	if len(queuing.Destinations) != 1 || queuing.Destinations[0].Port != "CmdIn" {
		t.Fatalf("unexpected queuing destination %+v", queuing.Destinations)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	base := `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 10ms, offset: 0ms, period: 20ms, image: /a}
  - {id: 2, name: B, duration: 10ms, offset: 10ms, period: 20ms, image: /b}
`
	tests := []struct {
		name string
		yaml string
		code apperrors.ErrorCode
	}{
		{
			name: "overlap",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 10ms, offset: 0ms, period: 20ms, image: /a}
  - {id: 2, name: B, duration: 10ms, offset: 5ms, period: 20ms, image: /b}
`,
			code: apperrors.ScheduleOverlap,
		},
		{
			name: "period mismatch",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 1ms, offset: 0ms, period: 7ms, image: /a}
`,
			code: apperrors.PeriodMismatch,
		},
		{
			name: "duplicate name",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 1ms, period: 20ms, image: /a}
  - {id: 2, name: A, duration: 1ms, offset: 5ms, period: 20ms, image: /a}
`,
			code: apperrors.PartitionUnique,
		},
		{
			name: "duplicate id",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 1ms, period: 20ms, image: /a}
  - {id: 1, name: B, duration: 1ms, offset: 5ms, period: 20ms, image: /a}
`,
			code: apperrors.PartitionUnique,
		},
		{
			name: "missing image",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 1ms, period: 20ms}
`,
			code: apperrors.ConfigInvalid,
		},
		{
			name: "bad hm action",
			yaml: `
major_frame: 20ms
partitions:
  - {id: 1, name: A, duration: 1ms, period: 20ms, image: /a, hm_table: {overrun: reboot}}
`,
			code: apperrors.ConfigInvalid,
		},
		{
			name: "queuing two destinations",
			yaml: base + `
channel:
  - kind: queuing
    msg_size: 8
    msg_num: 1
    source: {partition: A, port: out}
    destination:
      - {partition: B, port: in}
      - {partition: B, port: in2}
`,
			code: apperrors.ChannelInvalid,
		},
		{
			name: "queuing without msg_num",
			yaml: base + `
channel:
  - kind: queuing
    msg_size: 8
    source: {partition: A, port: out}
    destination: {partition: B, port: in}
`,
			code: apperrors.ChannelInvalid,
		},
		{
			name: "unknown partition",
			yaml: base + `
channel:
  - kind: sampling
    msg_size: 8
    source: {partition: A, port: out}
    destination: [{partition: C, port: in}]
`,
			code: apperrors.ChannelInvalid,
		},
		{
			name: "port reused",
			yaml: base + `
channel:
  - kind: sampling
    msg_size: 8
    source: {partition: A, port: out}
    destination: [{partition: B, port: in}]
  - kind: sampling
    msg_size: 8
    source: {partition: A, port: out}
    destination: [{partition: B, port: other}]
`,
			code: apperrors.ChannelInvalid,
		},
		{
			name: "unknown kind",
			yaml: base + `
channel:
  - kind: mailbox
    msg_size: 8
    source: {partition: A, port: out}
    destination: [{partition: B, port: in}]
`,
			code: apperrors.ChannelInvalid,
		},
		{
			name: "malformed yaml",
			yaml: "major_frame: [",
			code: apperrors.ConfigInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.yaml))
			if err == nil {
				_, err = Build(doc, "")
			}
			if got := apperrors.GetCode(err); got != tt.code {
				t.Fatalf("expected code %d, got %d (%v)", tt.code, got, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hv.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	model, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	foo, _ := model.Partition("Foo")
	if foo.Image != filepath.Join(dir, "bin/hello") {
		t.Fatalf("image not resolved against config dir: %s", foo.Image)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !apperrors.Is(err, apperrors.ConfigNotFound) {
		t.Fatalf("expected ConfigNotFound, got %v", err)
	}
}

func TestPeriodDefaultsToMajorFrame(t *testing.T) {
	doc, err := Parse([]byte(`
major_frame: 50ms
partitions:
  - {id: 1, name: A, duration: 5ms, image: /a}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	model, err := Build(doc, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if model.Partitions[0].Slot.Period != 50*time.Millisecond {
		t.Fatalf("expected period to default to major frame, got %v", model.Partitions[0].Slot.Period)
	}
}
