package schedule

import (
	"sort"
	"time"
)

// Cursor is the scheduler's position: offset inside the current major frame and
// the number of frames completed since boot.
type Cursor struct {
	Offset time.Duration
	Frame  uint64
}

// EventKind distinguishes window entry from window exit.
type EventKind int

const (
	// EventClose ends a window; the partition must be suspended.
	EventClose EventKind = iota
	// EventOpen starts a window; the partition may be resumed.
	EventOpen
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a dispatch decision produced by Advance. Start and Deadline are
// absolute elapsed times of the window.
type Event struct {
	Kind     EventKind
	Window   Window
	Frame    uint64
	Start    time.Duration
	Deadline time.Duration
}

type activeWindow struct {
	frame uint64
	index int
}

// Dispatcher walks the major-frame timeline. It is owned by the run loop and is
// not safe for concurrent use.
type Dispatcher struct {
	majorFrame time.Duration
	windows    []Window
	cursor     Cursor
	active     *activeWindow
	last       time.Duration
	started    bool
	missed     uint64
}

// NewDispatcher validates the schedule and prepares the window table.
func NewDispatcher(s SystemSchedule) (*Dispatcher, error) {
	windows, err := s.Windows()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{majorFrame: s.MajorFrame, windows: windows}, nil
}

// MajorFrame returns the frame length.
func (d *Dispatcher) MajorFrame() time.Duration {
	return d.majorFrame
}

// Windows returns a copy of the expanded window table.
func (d *Dispatcher) Windows() []Window {
	out := make([]Window, len(d.windows))
	copy(out, d.windows)
	return out
}

// Cursor returns the position reached by the last Advance.
func (d *Dispatcher) Cursor() Cursor {
	return d.cursor
}

// Missed returns how many windows were skipped entirely because ticks arrived late.
func (d *Dispatcher) Missed() uint64 {
	return d.missed
}

// Active returns the window open at the cursor, if any, with its frame.
func (d *Dispatcher) Active() (Window, uint64, bool) {
	if d.active == nil {
		return Window{}, 0, false
	}
	return d.windows[d.active.index], d.active.frame, true
}

// ActiveDeadline returns the absolute end of the open window.
func (d *Dispatcher) ActiveDeadline() (time.Duration, bool) {
	if d.active == nil {
		return 0, false
	}
	w := d.windows[d.active.index]
	return time.Duration(d.active.frame)*d.majorFrame + w.End, true
}

// Advance moves the cursor to elapsed and returns the dispatch events in the
// order they must be applied: closes before opens. Time never moves backwards;
// an elapsed value below the previous one is treated as the previous one.
func (d *Dispatcher) Advance(elapsed time.Duration) []Event {
	if d.started && elapsed < d.last {
		elapsed = d.last
	}
	frame := uint64(elapsed / d.majorFrame)
	offset := elapsed % d.majorFrame
	index := d.windowAt(offset)

	var crossed uint64
	if d.started {
		crossed = d.startsUpTo(elapsed) - d.startsUpTo(d.last)
	} else {
		crossed = d.startsUpTo(elapsed)
	}

	var events []Event
	if d.active != nil && (index < 0 || d.active.frame != frame || d.active.index != index) {
		events = append(events, d.event(EventClose, *d.active))
		d.active = nil
	}
	opened := false
	if index >= 0 && d.active == nil {
		next := activeWindow{frame: frame, index: index}
		events = append(events, d.event(EventOpen, next))
		d.active = &next
		opened = true
	}
	if opened && crossed > 0 {
		crossed--
	}
	d.missed += crossed

	d.cursor = Cursor{Offset: offset, Frame: frame}
	d.last = elapsed
	d.started = true
	return events
}

// NextBoundary returns the absolute elapsed time of the next window start or end
// strictly after the cursor.
func (d *Dispatcher) NextBoundary() time.Duration {
	base := time.Duration(d.cursor.Frame) * d.majorFrame
	offset := d.cursor.Offset
	if !d.started {
		offset = -1
	}
	for _, w := range d.windows {
		if w.Start > offset {
			return base + w.Start
		}
		if w.End > offset {
			return base + w.End
		}
	}
	if len(d.windows) == 0 {
		return base + d.majorFrame
	}
	return base + d.majorFrame + d.windows[0].Start
}

func (d *Dispatcher) event(kind EventKind, a activeWindow) Event {
	w := d.windows[a.index]
	base := time.Duration(a.frame) * d.majorFrame
	return Event{
		Kind:     kind,
		Window:   w,
		Frame:    a.frame,
		Start:    base + w.Start,
		Deadline: base + w.End,
	}
}

// windowAt returns the index of the window containing offset or -1.
func (d *Dispatcher) windowAt(offset time.Duration) int {
	i := sort.Search(len(d.windows), func(i int) bool {
		return d.windows[i].End > offset
	})
	if i < len(d.windows) && d.windows[i].Start <= offset {
		return i
	}
	return -1
}

// startsUpTo counts window starts s with s <= elapsed since boot.
func (d *Dispatcher) startsUpTo(elapsed time.Duration) uint64 {
	if elapsed < 0 {
		return 0
	}
	full := uint64(elapsed / d.majorFrame)
	rem := elapsed % d.majorFrame
	n := full * uint64(len(d.windows))
	for _, w := range d.windows {
		if w.Start > rem {
			break
		}
		n++
	}
	return n
}
