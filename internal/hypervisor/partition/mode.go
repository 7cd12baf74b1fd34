// Package partition implements the per-partition operating mode state machine.
package partition

import (
	"strings"
)

// Mode is the ARINC 653 operating mode of a partition.
type Mode int

const (
	NotCreated Mode = iota
	ColdStart
	WarmStart
	Normal
	Idle
	Stopped
)

func (m Mode) String() string {
	switch m {
	case NotCreated:
		return "not_created"
	case ColdStart:
		return "cold_start"
	case WarmStart:
		return "warm_start"
	case Normal:
		return "normal"
	case Idle:
		return "idle"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by String.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not_created":
		return NotCreated, true
	case "cold_start":
		return ColdStart, true
	case "warm_start":
		return WarmStart, true
	case "normal":
		return Normal, true
	case "idle":
		return Idle, true
	case "stopped":
		return Stopped, true
	default:
		return NotCreated, false
	}
}

// Dispatchable reports whether windows of a partition in this mode are honoured.
// Start modes are dispatched so the partition can run its initialisation.
func (m Mode) Dispatchable() bool {
	switch m {
	case ColdStart, WarmStart, Normal, Idle:
		return true
	default:
		return false
	}
}

// Starting reports whether the partition is still initialising.
func (m Mode) Starting() bool {
	return m == ColdStart || m == WarmStart
}
