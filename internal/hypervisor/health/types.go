// Package health classifies partition faults and applies the configured
// recovery action.
package health

import (
	"strings"
	"time"
)

// FaultKind classifies a fault.
type FaultKind string

const (
	Overrun           FaultKind = "overrun"
	UnexpectedExit    FaultKind = "unexpected_exit"
	SignalTermination FaultKind = "signal_termination"
	PortViolation     FaultKind = "port_violation"
	IsolationFailure  FaultKind = "isolation_failure"
	ApplicationError  FaultKind = "application_error"
	PartitionInit     FaultKind = "partition_init"
)

// FaultKinds lists every known kind.
var FaultKinds = []FaultKind{
	Overrun, UnexpectedExit, SignalTermination, PortViolation,
	IsolationFailure, ApplicationError, PartitionInit,
}

// ParseFaultKind accepts the kind names.
func ParseFaultKind(s string) (FaultKind, bool) {
	k := FaultKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range FaultKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Action is a recovery action.
type Action string

const (
	Ignore         Action = "ignore"
	WarmRestart    Action = "warm_restart"
	ColdRestart    Action = "cold_restart"
	StopPartition  Action = "stop_partition"
	ShutdownModule Action = "shutdown_module"
)

// ParseAction accepts the action names.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Ignore, WarmRestart, ColdRestart, StopPartition, ShutdownModule:
		return a, true
	default:
		return "", false
	}
}

// DefaultTable is applied for kinds a partition does not override.
func DefaultTable() map[FaultKind]Action {
	return map[FaultKind]Action{
		Overrun:           Ignore,
		UnexpectedExit:    WarmRestart,
		SignalTermination: WarmRestart,
		ApplicationError:  WarmRestart,
		PortViolation:     Ignore,
		IsolationFailure:  StopPartition,
		PartitionInit:     StopPartition,
	}
}

// Fault is one observed fault.
type Fault struct {
	Partition string
	Kind      FaultKind
	Detail    string
	At        time.Duration
	Frame     uint64
}

// Record is a fault together with the decision taken for it.
type Record struct {
	Fault
	Action Action
	// Escalated is false for port violations still below the threshold.
	Escalated bool
	Err       string
	Time      time.Time
}

// Policy is the per-partition recovery configuration.
type Policy struct {
	Table map[FaultKind]Action
	// MaxRestarts caps restarts; beyond it a restart becomes a stop. Negative
	// means unlimited.
	MaxRestarts int
}

// Lookup returns the action for kind, falling back to the default table.
func (p Policy) Lookup(kind FaultKind) Action {
	if a, ok := p.Table[kind]; ok {
		return a
	}
	if a, ok := DefaultTable()[kind]; ok {
		return a
	}
	return Ignore
}
