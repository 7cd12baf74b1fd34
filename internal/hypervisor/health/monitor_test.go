package health

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "apexhv/pkg/errors"
)

type fakeRecoverer struct {
	calls    []string
	shutdown string
	failWarm bool
}

func (f *fakeRecoverer) WarmRestart(_ context.Context, p string) error {
	f.calls = append(f.calls, "warm:"+p)
	if f.failWarm {
		return errors.New("spawn failed")
	}
	return nil
}

func (f *fakeRecoverer) ColdRestart(_ context.Context, p string) error {
	f.calls = append(f.calls, "cold:"+p)
	return nil
}

func (f *fakeRecoverer) StopPartition(_ context.Context, p string) error {
	f.calls = append(f.calls, "stop:"+p)
	return nil
}

func (f *fakeRecoverer) ShutdownModule(_ context.Context, reason string) {
	f.calls = append(f.calls, "shutdown")
	f.shutdown = reason
}

type captureSink struct {
	records []Record
}

func (c *captureSink) Publish(_ context.Context, rec Record) error {
	c.records = append(c.records, rec)
	return nil
}

func TestMonitorDefaultTable(t *testing.T) {
	tests := []struct {
		kind FaultKind
		want Action
		call string
	}{
		{Overrun, Ignore, ""},
		{UnexpectedExit, WarmRestart, "warm:p"},
		{SignalTermination, WarmRestart, "warm:p"},
		{ApplicationError, WarmRestart, "warm:p"},
		{IsolationFailure, StopPartition, "stop:p"},
		{PartitionInit, StopPartition, "stop:p"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			rec := &fakeRecoverer{}
			m := NewMonitor(rec, nil, Options{})
			got := m.Report(context.Background(), Fault{Partition: "p", Kind: tt.kind})
			if got.Action != tt.want || !got.Escalated {
				t.Fatalf("expected %s escalated, got %+v", tt.want, got)
			}
			if tt.call == "" && len(rec.calls) != 0 {
				t.Fatalf("expected no recovery call, got %v", rec.calls)
			}
			if tt.call != "" && (len(rec.calls) != 1 || rec.calls[0] != tt.call) {
				t.Fatalf("expected %s, got %v", tt.call, rec.calls)
			}
		})
	}
}

func TestMonitorPartitionOverride(t *testing.T) {
	rec := &fakeRecoverer{}
	m := NewMonitor(rec, map[string]Policy{
		"p": {Table: map[FaultKind]Action{Overrun: ColdRestart}, MaxRestarts: -1},
		"q": {Table: map[FaultKind]Action{UnexpectedExit: ShutdownModule}},
	}, Options{})

	m.Report(context.Background(), Fault{Partition: "p", Kind: Overrun})
	m.Report(context.Background(), Fault{Partition: "q", Kind: UnexpectedExit, Detail: "exit status 3"})

	if len(rec.calls) != 2 || rec.calls[0] != "cold:p" || rec.calls[1] != "shutdown" {
		t.Fatalf("unexpected calls %v", rec.calls)
	}
	if rec.shutdown != "unexpected_exit: exit status 3" {
		t.Fatalf("unexpected shutdown reason %q", rec.shutdown)
	}
}

func TestMonitorPortViolationThreshold(t *testing.T) {
	rec := &fakeRecoverer{}
	m := NewMonitor(rec, map[string]Policy{
		"p": {Table: map[FaultKind]Action{PortViolation: WarmRestart}, MaxRestarts: -1},
	}, Options{ViolationThreshold: 3})

	for i := 0; i < 2; i++ {
		r := m.Report(context.Background(), Fault{Partition: "p", Kind: PortViolation})
		if r.Escalated || r.Action != Ignore {
			t.Fatalf("violation %d should stay below threshold, got %+v", i+1, r)
		}
	}
	r := m.Report(context.Background(), Fault{Partition: "p", Kind: PortViolation})
	if !r.Escalated || r.Action != WarmRestart {
		t.Fatalf("third violation should escalate, got %+v", r)
	}
	r = m.Report(context.Background(), Fault{Partition: "p", Kind: PortViolation})
	if r.Escalated {
		t.Fatalf("counter should reset after escalation, got %+v", r)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected one restart, got %v", rec.calls)
	}
}

func TestMonitorRestartCapStops(t *testing.T) {
	rec := &fakeRecoverer{}
	m := NewMonitor(rec, map[string]Policy{"p": {MaxRestarts: 2}}, Options{})
	for i := 0; i < 3; i++ {
		m.Report(context.Background(), Fault{Partition: "p", Kind: UnexpectedExit})
	}
	want := []string{"warm:p", "warm:p", "stop:p"}
	if len(rec.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.calls)
		}
	}
}

func TestMonitorRecordsAndSinks(t *testing.T) {
	rec := &fakeRecoverer{failWarm: true}
	sink := &captureSink{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMonitor(rec, nil, Options{Sinks: []Sink{sink}, Now: func() time.Time { return fixed }})

	r := m.Report(context.Background(), Fault{Partition: "p", Kind: SignalTermination, Frame: 7})
	if r.Err == "" {
		t.Fatalf("expected recovery error to be recorded")
	}
	faults := m.Faults("p")
	if len(faults) != 1 || faults[0].Frame != 7 || !faults[0].Time.Equal(fixed) {
		t.Fatalf("unexpected records %+v", faults)
	}
	if len(sink.records) != 1 || sink.records[0].Kind != SignalTermination {
		t.Fatalf("sink did not receive record: %+v", sink.records)
	}
	if len(m.Faults("other")) != 0 {
		t.Fatalf("expected no records for other partition")
	}

	for i := 0; i < maxRecordsPerPartition+10; i++ {
		m.Report(context.Background(), Fault{Partition: "q", Kind: Overrun, Frame: uint64(i)})
	}
	q := m.Faults("q")
	if len(q) != maxRecordsPerPartition || q[len(q)-1].Frame != uint64(maxRecordsPerPartition+9) {
		t.Fatalf("expected bounded history ending at latest frame, got %d records", len(q))
	}
}

func TestMonitorApplyWrapsRecoveryError(t *testing.T) {
	m := NewMonitor(&fakeRecoverer{failWarm: true}, nil, Options{})
	err := m.apply(context.Background(), Fault{Partition: "p"}, WarmRestart)
	if !apperrors.Is(err, apperrors.RecoveryFailed) {
		t.Fatalf("expected RecoveryFailed, got %v", err)
	}
}

func TestParseNames(t *testing.T) {
	if k, ok := ParseFaultKind(" Overrun "); !ok || k != Overrun {
		t.Fatalf("ParseFaultKind failed: %v %v", k, ok)
	}
	if _, ok := ParseFaultKind("segfault"); ok {
		t.Fatalf("unknown kind must not parse")
	}
	if a, ok := ParseAction("cold_restart"); !ok || a != ColdRestart {
		t.Fatalf("ParseAction failed: %v %v", a, ok)
	}
	if _, ok := ParseAction("reboot"); ok {
		t.Fatalf("unknown action must not parse")
	}
}
