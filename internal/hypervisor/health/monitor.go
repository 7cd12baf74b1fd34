package health

import (
	"context"
	"sync"
	"time"

	"apexhv/internal/hypervisor/metrics"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// DefaultViolationThreshold is the port violation count that escalates.
	DefaultViolationThreshold = 3
	// DefaultMaxRestarts is the restart cap when configuration leaves it unset.
	DefaultMaxRestarts = 5

	maxRecordsPerPartition = 64
)

// Recoverer applies recovery actions. The hypervisor run loop implements it.
type Recoverer interface {
	WarmRestart(ctx context.Context, partition string) error
	ColdRestart(ctx context.Context, partition string) error
	StopPartition(ctx context.Context, partition string) error
	ShutdownModule(ctx context.Context, reason string)
}

// Sink receives every applied record, for example the fault journal.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
}

// Options configures a Monitor.
type Options struct {
	ViolationThreshold int
	Metrics            metrics.Collector
	Sinks              []Sink
	Now                func() time.Time
}

// Monitor decides and applies recovery. Report is called from the run loop;
// Faults may be called from any goroutine.
type Monitor struct {
	recoverer  Recoverer
	policies   map[string]Policy
	threshold  int
	metrics    metrics.Collector
	sinks      []Sink
	now        func() time.Time
	violations map[string]int
	restarts   map[string]int

	mu      sync.RWMutex
	records map[string][]Record
}

// NewMonitor creates a monitor with per-partition policies.
func NewMonitor(recoverer Recoverer, policies map[string]Policy, opts Options) *Monitor {
	if opts.ViolationThreshold <= 0 {
		opts.ViolationThreshold = DefaultViolationThreshold
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policies == nil {
		policies = make(map[string]Policy)
	}
	return &Monitor{
		recoverer:  recoverer,
		policies:   policies,
		threshold:  opts.ViolationThreshold,
		metrics:    opts.Metrics,
		sinks:      opts.Sinks,
		now:        opts.Now,
		violations: make(map[string]int),
		restarts:   make(map[string]int),
		records:    make(map[string][]Record),
	}
}

// decide picks the action for f and updates the violation and restart counters.
// The second result is false while port violations stay below the threshold.
func (m *Monitor) decide(f Fault) (Action, bool) {
	policy, ok := m.policies[f.Partition]
	if !ok {
		policy = Policy{MaxRestarts: DefaultMaxRestarts}
	}

	if f.Kind == PortViolation {
		m.violations[f.Partition]++
		if m.violations[f.Partition] < m.threshold {
			return Ignore, false
		}
		m.violations[f.Partition] = 0
	}

	action := policy.Lookup(f.Kind)
	if action == WarmRestart || action == ColdRestart {
		if policy.MaxRestarts >= 0 && m.restarts[f.Partition] >= policy.MaxRestarts {
			return StopPartition, true
		}
		m.restarts[f.Partition]++
	}
	return action, true
}

// Report handles one fault and returns what was done.
func (m *Monitor) Report(ctx context.Context, f Fault) Record {
	ctx = logger.WithPartition(ctx, f.Partition)
	action, escalated := m.decide(f)
	rec := Record{Fault: f, Action: action, Escalated: escalated, Time: m.now()}

	fields := []zap.Field{
		zap.String("kind", string(f.Kind)),
		zap.String("action", string(action)),
		zap.Duration("at", f.At),
		zap.Uint64("frame", f.Frame),
	}
	if f.Detail != "" {
		fields = append(fields, zap.String("detail", f.Detail))
	}

	if escalated {
		if err := m.apply(ctx, f, action); err != nil {
			rec.Err = err.Error()
			logger.Error(ctx, "recovery action failed", append(fields, zap.Error(err))...)
		} else if action == Ignore {
			logger.Warn(ctx, "partition fault ignored", fields...)
		} else {
			logger.Error(ctx, "partition fault", fields...)
		}
	} else {
		logger.Warn(ctx, "port violation below threshold", append(fields, zap.Int("count", m.violations[f.Partition]))...)
	}

	m.metrics.Fault(f.Partition, string(f.Kind), string(action))
	m.store(rec)
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			logger.Warn(ctx, "publish fault record failed", zap.Error(err))
		}
	}
	return rec
}

func (m *Monitor) apply(ctx context.Context, f Fault, action Action) error {
	if m.recoverer == nil {
		return nil
	}
	var err error
	switch action {
	case Ignore:
		return nil
	case WarmRestart:
		err = m.recoverer.WarmRestart(ctx, f.Partition)
	case ColdRestart:
		err = m.recoverer.ColdRestart(ctx, f.Partition)
	case StopPartition:
		err = m.recoverer.StopPartition(ctx, f.Partition)
	case ShutdownModule:
		m.recoverer.ShutdownModule(ctx, string(f.Kind)+": "+f.Detail)
		return nil
	}
	if err != nil {
		return apperrors.Wrapf(err, apperrors.RecoveryFailed, "%s for %s", action, f.Partition)
	}
	return nil
}

func (m *Monitor) store(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.records[rec.Partition], rec)
	if len(list) > maxRecordsPerPartition {
		list = list[len(list)-maxRecordsPerPartition:]
	}
	m.records[rec.Partition] = list
}

// Faults returns the most recent records for partition, oldest first.
func (m *Monitor) Faults(partition string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records[partition]))
	copy(out, m.records[partition])
	return out
}
