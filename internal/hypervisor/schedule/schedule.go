// Package schedule holds the major-frame model and the cyclic dispatcher that
// derives partition windows from elapsed time.
package schedule

import (
	"fmt"
	"sort"
	"time"

	apperrors "apexhv/pkg/errors"
)

// PartitionSlot is one partition's recurring reservation in the major frame.
type PartitionSlot struct {
	PartitionID int64
	Name        string
	Offset      time.Duration
	Duration    time.Duration
	Period      time.Duration
}

// SystemSchedule is the validated timeline handed to the dispatcher at startup.
type SystemSchedule struct {
	MajorFrame time.Duration
	Slots      []PartitionSlot
}

// Window is one concrete [Start, End) interval inside a major frame.
type Window struct {
	Index       int
	PartitionID int64
	Name        string
	Start       time.Duration
	End         time.Duration
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End - w.Start
}

func (w Window) String() string {
	return fmt.Sprintf("%s[%v,%v)", w.Name, w.Start, w.End)
}

// Validate checks the load-time invariants of the schedule.
func (s SystemSchedule) Validate() error {
	_, err := s.Windows()
	return err
}

// Windows expands every slot into major_frame/period windows sorted by start and
// rejects overlapping windows.
func (s SystemSchedule) Windows() ([]Window, error) {
	if s.MajorFrame <= 0 {
		return nil, apperrors.ConfigError(apperrors.ConfigInvalid, "major_frame", "must be positive")
	}
	if len(s.Slots) == 0 {
		return nil, apperrors.ConfigError(apperrors.ConfigInvalid, "partitions", "at least one partition is required")
	}

	windows := make([]Window, 0, len(s.Slots))
	for _, slot := range s.Slots {
		if slot.Duration <= 0 {
			return nil, apperrors.ConfigError(apperrors.WindowInvalid, slot.Name+".duration", "must be positive")
		}
		if slot.Offset < 0 {
			return nil, apperrors.ConfigError(apperrors.WindowInvalid, slot.Name+".offset", "must not be negative")
		}
		if slot.Period <= 0 {
			return nil, apperrors.ConfigError(apperrors.PeriodMismatch, slot.Name+".period", "must be positive")
		}
		if s.MajorFrame%slot.Period != 0 {
			return nil, apperrors.ConfigError(apperrors.PeriodMismatch, slot.Name+".period",
				fmt.Sprintf("major frame %v is not a multiple of period %v", s.MajorFrame, slot.Period))
		}
		if slot.Offset+slot.Duration > slot.Period {
			return nil, apperrors.ConfigError(apperrors.WindowInvalid, slot.Name,
				fmt.Sprintf("offset %v + duration %v exceeds period %v", slot.Offset, slot.Duration, slot.Period))
		}
		repeats := int(s.MajorFrame / slot.Period)
		for i := 0; i < repeats; i++ {
			start := slot.Offset + time.Duration(i)*slot.Period
			windows = append(windows, Window{
				PartitionID: slot.PartitionID,
				Name:        slot.Name,
				Start:       start,
				End:         start + slot.Duration,
			})
		}
	}

	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].Start == windows[j].Start {
			return windows[i].End < windows[j].End
		}
		return windows[i].Start < windows[j].Start
	})
	for i := range windows {
		windows[i].Index = i
		if i == 0 {
			continue
		}
		prev, next := windows[i-1], windows[i]
		if prev.End > next.Start {
			return nil, apperrors.Newf(apperrors.ScheduleOverlap,
				"overlapping partition windows: %s and %s", prev, next).
				WithDetail("first", prev.Name).
				WithDetail("second", next.Name)
		}
	}
	return windows, nil
}
