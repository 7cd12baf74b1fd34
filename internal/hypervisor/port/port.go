// Package port implements sampling and queuing channels over shared memory
// regions and the registry that binds partition port names to them.
package port

import (
	"strings"
	"time"
)

// Kind is the channel flavour.
type Kind int

const (
	KindSampling Kind = iota
	KindQueuing
)

func (k Kind) String() string {
	if k == KindQueuing {
		return "queuing"
	}
	return "sampling"
}

// ParseKind accepts "sampling" and "queuing".
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sampling":
		return KindSampling, true
	case "queuing", "queueing":
		return KindQueuing, true
	default:
		return KindSampling, false
	}
}

// OverflowPolicy decides what a full queue does with a new message.
type OverflowPolicy int

const (
	RejectNew OverflowPolicy = iota
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "reject"
}

// ParseOverflow accepts "reject" (default on empty) and "drop_oldest".
func ParseOverflow(s string) (OverflowPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "reject_new":
		return RejectNew, true
	case "drop_oldest":
		return DropOldest, true
	default:
		return RejectNew, false
	}
}

// Direction is the role of a port on its channel.
type Direction int

const (
	Source Direction = iota
	Destination
)

func (d Direction) String() string {
	if d == Destination {
		return "destination"
	}
	return "source"
}

// ParseDirection accepts "source" and "destination".
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source":
		return Source, true
	case "destination":
		return Destination, true
	default:
		return Source, false
	}
}

// Message is the result of a read.
type Message struct {
	Data []byte
	// Stamp is the write time of a sampling message.
	Stamp time.Duration
	// Valid reports sampling freshness against the refresh period.
	Valid bool
	// Overflow is set on a queuing read if messages were evicted since the last read.
	Overflow bool
}

// Port is a channel endpoint implementation.
type Port interface {
	Kind() Kind
	MsgSize() int
	Write(msg []byte) error
	Read() (Message, error)
	Reset()
}
