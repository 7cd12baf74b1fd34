// Package metrics records hypervisor counters.
package metrics

import (
	"time"
)

// Collector receives hypervisor events worth counting.
type Collector interface {
	// PartitionTransition records a lifecycle mode change.
	PartitionTransition(partition, from, to string, mode int)

	// WindowDispatched records a window entry of a partition.
	WindowDispatched(partition string)

	// WindowUsage records CPU time a partition consumed in one window.
	WindowUsage(partition string, used time.Duration)

	// Overrun records a forced suspension at window end.
	Overrun(partition string)

	// MissedWindows records windows skipped by late ticks.
	MissedWindows(n int)

	// Fault records a health monitor decision.
	Fault(partition, kind, action string)

	// Restart records a partition restart.
	Restart(partition string, warm bool)

	// PortOperation records an APEX port call and its outcome.
	PortOperation(partition, op string, err error)
}

type noopCollector struct{}

func (noopCollector) PartitionTransition(partition, from, to string, mode int) {}
func (noopCollector) WindowDispatched(partition string)                        {}
func (noopCollector) WindowUsage(partition string, used time.Duration)         {}
func (noopCollector) Overrun(partition string)                                 {}
func (noopCollector) MissedWindows(n int)                                      {}
func (noopCollector) Fault(partition, kind, action string)                     {}
func (noopCollector) Restart(partition string, warm bool)                      {}
func (noopCollector) PortOperation(partition, op string, err error)            {}

// NewNoop returns a collector that drops everything.
func NewNoop() Collector {
	return noopCollector{}
}
