package hypervisor

import (
	"time"

	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/isolation"
	"apexhv/internal/hypervisor/schedule"
)

// PartitionView is a read-only snapshot of one partition.
type PartitionView struct {
	ID             int64                  `json:"id"`
	Name           string                 `json:"name"`
	Mode           string                 `json:"mode"`
	StartCondition string                 `json:"start_condition"`
	Restarts       int                    `json:"restarts"`
	Offset         time.Duration          `json:"offset"`
	Duration       time.Duration          `json:"duration"`
	Period         time.Duration          `json:"period"`
	InWindow       bool                   `json:"in_window"`
	Runtime        *isolation.RuntimeView `json:"runtime,omitempty"`
	Faults         []health.Record        `json:"faults,omitempty"`
}

// ChannelView describes one channel.
type ChannelView struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	MsgSize      int      `json:"msg_size"`
	Source       string   `json:"source"`
	Destinations []string `json:"destinations"`
	Len          *int     `json:"len,omitempty"`
}

// ScheduleView describes the timeline position.
type ScheduleView struct {
	MajorFrame time.Duration     `json:"major_frame"`
	Frame      uint64            `json:"frame"`
	Offset     time.Duration     `json:"offset"`
	Windows    []schedule.Window `json:"windows"`
}

// Partitions returns a snapshot of every partition. Safe for concurrent use
// with Run.
func (h *Hypervisor) Partitions() []PartitionView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PartitionView, 0, len(h.parts))
	for _, ps := range h.parts {
		view := PartitionView{
			ID:             ps.desc.ID,
			Name:           ps.desc.Name,
			Mode:           ps.machine.Mode().String(),
			StartCondition: ps.machine.StartCondition().String(),
			Restarts:       ps.machine.Restarts(),
			Offset:         ps.desc.Slot.Offset,
			Duration:       ps.desc.Slot.Duration,
			Period:         ps.desc.Slot.Period,
			InWindow:       ps.inWindow,
			Faults:         h.monitor.Faults(ps.desc.Name),
		}
		if ps.handle.Valid() {
			if rt, ok := h.iso.Runtime(ps.handle); ok {
				view.Runtime = &rt
			}
		}
		out = append(out, view)
	}
	return out
}

// Channels returns a snapshot of every channel.
func (h *Hypervisor) Channels() []ChannelView {
	chans := h.registry.Channels()
	out := make([]ChannelView, 0, len(chans))
	for _, ch := range chans {
		view := ChannelView{
			Name:    ch.Spec.Name,
			Kind:    ch.Spec.Kind.String(),
			MsgSize: ch.Spec.MsgSize,
			Source:  ch.Spec.Source.String(),
		}
		for _, dst := range ch.Spec.Destinations {
			view.Destinations = append(view.Destinations, dst.String())
		}
		if st, ok := ch.QueueStatus(); ok {
			n := st.Len
			view.Len = &n
		}
		out = append(out, view)
	}
	return out
}

// Schedule returns the window table and the cursor of the last tick.
func (h *Hypervisor) Schedule() ScheduleView {
	h.mu.RLock()
	cursor := h.cursor
	h.mu.RUnlock()
	return ScheduleView{
		MajorFrame: h.dispatcher.MajorFrame(),
		Frame:      cursor.Frame,
		Offset:     cursor.Offset,
		Windows:    h.dispatcher.Windows(),
	}
}
