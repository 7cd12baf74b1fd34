package partition

import (
	"sync"

	apperrors "apexhv/pkg/errors"
)

// StartCondition records why the partition last entered a start mode.
type StartCondition int

const (
	NormalStart StartCondition = iota
	HMWarmRestart
	HMColdRestart
	PartitionRestart
)

func (c StartCondition) String() string {
	switch c {
	case NormalStart:
		return "normal_start"
	case HMWarmRestart:
		return "hm_warm_restart"
	case HMColdRestart:
		return "hm_cold_restart"
	case PartitionRestart:
		return "partition_restart"
	default:
		return "unknown"
	}
}

// Transition describes one applied mode change.
type Transition struct {
	From Mode
	To   Mode
}

// Observer is notified after every applied transition.
type Observer func(name string, tr Transition)

// Machine is the lifecycle state machine of one partition. The run loop drives
// it; other goroutines (status endpoint) only read through Mode.
type Machine struct {
	name string

	mu        sync.RWMutex
	mode      Mode
	condition StartCondition
	restarts  int
	observer  Observer
}

// NewMachine creates a machine in NotCreated.
func NewMachine(name string, observer Observer) *Machine {
	return &Machine{name: name, mode: NotCreated, observer: observer}
}

// Name returns the partition name.
func (m *Machine) Name() string {
	return m.name
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// StartCondition returns the reason of the most recent start.
func (m *Machine) StartCondition() StartCondition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.condition
}

// Restarts returns how many restarts have been applied.
func (m *Machine) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// Spawned moves NotCreated to ColdStart once the execution context exists.
func (m *Machine) Spawned() error {
	return m.transition(ColdStart, NotCreated)
}

// Ready handles the partition's start-completion call.
func (m *Machine) Ready() error {
	return m.transition(Normal, ColdStart, WarmStart)
}

// Idle handles the partition's idle request.
func (m *Machine) Idle() error {
	return m.transition(Idle, Normal)
}

// Dispatch wakes an idle partition back into Normal. It is a no-op in every
// other mode.
func (m *Machine) Dispatch() bool {
	m.mu.Lock()
	if m.mode != Idle {
		m.mu.Unlock()
		return false
	}
	tr := Transition{From: m.mode, To: Normal}
	m.mode = Normal
	m.mu.Unlock()
	m.notify(tr)
	return true
}

// Restart enters WarmStart or ColdStart from any created mode, including Stopped
// when the health monitor orders it.
func (m *Machine) Restart(warm bool, condition StartCondition) error {
	target := ColdStart
	if warm {
		target = WarmStart
	}
	m.mu.Lock()
	if m.mode == NotCreated {
		m.mu.Unlock()
		return m.invalid(NotCreated, target)
	}
	tr := Transition{From: m.mode, To: target}
	m.mode = target
	m.condition = condition
	m.restarts++
	m.mu.Unlock()
	m.notify(tr)
	return nil
}

// Stop moves the partition to Stopped. Stopping twice is allowed.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.mode == Stopped {
		m.mu.Unlock()
		return
	}
	tr := Transition{From: m.mode, To: Stopped}
	m.mode = Stopped
	m.mu.Unlock()
	m.notify(tr)
}

// CanWritePorts reports whether port writes are accepted in the current mode.
func (m *Machine) CanWritePorts() bool {
	return m.Mode() == Normal
}

func (m *Machine) transition(to Mode, from ...Mode) error {
	m.mu.Lock()
	current := m.mode
	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return m.invalid(current, to)
	}
	m.mode = to
	m.mu.Unlock()
	m.notify(Transition{From: current, To: to})
	return nil
}

func (m *Machine) invalid(from, to Mode) error {
	code := apperrors.InvalidTransition
	if from == Stopped {
		code = apperrors.PartitionStopped
	}
	return apperrors.Newf(code, "partition %s: %s -> %s not allowed", m.name, from, to).
		WithDetail("from", from.String()).
		WithDetail("to", to.String())
}

func (m *Machine) notify(tr Transition) {
	if m.observer != nil {
		m.observer(m.name, tr)
	}
}
