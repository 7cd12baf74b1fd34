package hypervisor

import (
	"context"
	"time"

	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/partition"
	"apexhv/internal/hypervisor/schedule"
	"apexhv/pkg/apex"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

// step advances the schedule to now, applies the resulting window events and
// answers expired waits.
func (h *Hypervisor) step(ctx context.Context, now time.Duration) {
	missed := h.dispatcher.Missed()
	events := h.dispatcher.Advance(now)
	if n := h.dispatcher.Missed() - missed; n > 0 {
		logger.Warn(ctx, "windows missed by late tick", zap.Uint64("count", n), zap.Duration("now", now))
		h.metrics.MissedWindows(int(n))
	}
	h.mu.Lock()
	h.cursor = h.dispatcher.Cursor()
	h.mu.Unlock()

	for _, ev := range events {
		ps, ok := h.byID[ev.Window.Name]
		if !ok {
			continue
		}
		switch ev.Kind {
		case schedule.EventClose:
			h.closeWindow(ctx, ps, ev)
		case schedule.EventOpen:
			h.openWindow(ctx, ps, ev)
		}
	}
	h.expireWaits(now)
}

func (h *Hypervisor) openWindow(ctx context.Context, ps *partitionState, ev schedule.Event) {
	if !ps.spawned() || !ps.machine.Mode().Dispatchable() {
		return
	}
	ps.machine.Dispatch()
	if ps.parked != nil && ps.parked.kind == waitPeriodic {
		pc := h.unpark(ps)
		pc.call.Reply(apex.Response{Code: apex.NoError})
	}
	if err := h.iso.Resume(ctx, ps.handle); err != nil {
		h.isolationFault(ctx, ps, "resume", err, ev.Frame)
		return
	}
	h.mu.Lock()
	ps.inWindow = true
	ps.frame = ev.Frame
	ps.deadline = ev.Deadline
	h.mu.Unlock()
	h.metrics.WindowDispatched(ps.desc.Name)
	logger.Debug(ps.ctx, "window opened",
		zap.Uint64("frame", ev.Frame),
		zap.Duration("start", ev.Start),
		zap.Duration("deadline", ev.Deadline),
	)
}

// closeWindow suspends the partition unconditionally. A partition in Normal
// mode that is not waiting on a call has overrun its window.
func (h *Hypervisor) closeWindow(ctx context.Context, ps *partitionState, ev schedule.Event) {
	if !ps.inWindow {
		return
	}
	if used, err := h.iso.Usage(ps.handle); err == nil {
		h.metrics.WindowUsage(ps.desc.Name, used)
	}
	err := h.iso.Suspend(ctx, ps.handle)
	h.mu.Lock()
	ps.inWindow = false
	h.mu.Unlock()
	if err != nil {
		h.isolationFault(ctx, ps, "suspend", err, ev.Frame)
		return
	}

	if !h.executing(ps) || (ps.overrun && ps.overrunFrame == ev.Frame) {
		return
	}
	ps.overrun = true
	ps.overrunFrame = ev.Frame
	h.metrics.Overrun(ps.desc.Name)
	h.monitor.Report(ctx, health.Fault{
		Partition: ps.desc.Name,
		Kind:      health.Overrun,
		Detail:    "still running at window end",
		At:        ev.Deadline,
		Frame:     ev.Frame,
	})
}

// executing reports whether ps is busy rather than waiting on the hypervisor.
func (h *Hypervisor) executing(ps *partitionState) bool {
	return ps.machine.Mode() == partition.Normal && ps.parked == nil
}

func (h *Hypervisor) isolationFault(ctx context.Context, ps *partitionState, op string, err error, frame uint64) {
	h.monitor.Report(ctx, health.Fault{
		Partition: ps.desc.Name,
		Kind:      health.IsolationFailure,
		Detail:    op + ": " + err.Error(),
		At:        h.clock.Now(),
		Frame:     frame,
	})
}
