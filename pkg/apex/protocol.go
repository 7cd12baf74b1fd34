// Package apex defines the call protocol between partitions and the
// hypervisor, and the client partitions link against.
//
// Calls are newline-delimited JSON objects exchanged over a socket the
// hypervisor passes to the partition as file descriptor CallFD. Every request
// carries an id that the matching response echoes.
package apex

import (
	"time"
)

const (
	// CallFD is the descriptor number of the call socket inside a partition.
	CallFD = 3
	// CallFDEnv names the environment variable carrying the descriptor number.
	CallFDEnv = "APEXHV_CALL_FD"
	// PartitionEnv carries the partition name.
	PartitionEnv = "APEXHV_PARTITION"

	// Infinite is the timeout for calls that wait without limit.
	Infinite time.Duration = -1
)

// Op names an APEX service.
type Op string

const (
	OpSetMode        Op = "set_mode"
	OpGetStatus      Op = "get_status"
	OpPeriodicWait   Op = "periodic_wait"
	OpTimedWait      Op = "timed_wait"
	OpGetTime        Op = "get_time"
	OpGetRemaining   Op = "get_remaining"
	OpCreateSampling Op = "create_sampling"
	OpWriteSampling  Op = "write_sampling"
	OpReadSampling   Op = "read_sampling"
	OpCreateQueuing  Op = "create_queuing"
	OpSendQueuing    Op = "send_queuing"
	OpReceiveQueuing Op = "receive_queuing"
	OpQueuingStatus  Op = "queuing_status"
	OpClearQueuing   Op = "clear_queuing"
	OpRaiseError     Op = "raise_error"
	OpLog            Op = "log"
)

// IsPortOp reports whether op acts on a port.
func (o Op) IsPortOp() bool {
	switch o {
	case OpCreateSampling, OpWriteSampling, OpReadSampling,
		OpCreateQueuing, OpSendQueuing, OpReceiveQueuing, OpQueuingStatus, OpClearQueuing:
		return true
	default:
		return false
	}
}

// ReturnCode is the APEX return code of a call.
type ReturnCode string

const (
	NoError       ReturnCode = "no_error"
	NoAction      ReturnCode = "no_action"
	NotAvailable  ReturnCode = "not_available"
	InvalidParam  ReturnCode = "invalid_param"
	InvalidConfig ReturnCode = "invalid_config"
	InvalidMode   ReturnCode = "invalid_mode"
	TimedOut      ReturnCode = "timed_out"
)

// Class groups return codes.
type Class int

const (
	ClassSuccess Class = iota
	ClassInvalidArgument
	ClassUnavailable
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassInvalidArgument:
		return "invalid_argument"
	default:
		return "transient_unavailable"
	}
}

// Class folds the code into success, invalid argument or transient
// unavailability. Only NoError is a success: NoAction means nothing was done
// (an unwritten sampling port, a repeated request) and is reported like any
// other unavailable result, so a *CallError never has ClassSuccess.
func (c ReturnCode) Class() Class {
	switch c {
	case NoError:
		return ClassSuccess
	case InvalidParam, InvalidConfig, InvalidMode:
		return ClassInvalidArgument
	default:
		return ClassUnavailable
	}
}

// Mode names accepted by set_mode.
const (
	ModeNormal    = "normal"
	ModeIdle      = "idle"
	ModeColdStart = "cold_start"
	ModeWarmStart = "warm_start"
)

// Directions accepted by create calls.
const (
	DirectionSource      = "source"
	DirectionDestination = "destination"
)

// Request is one call from a partition.
type Request struct {
	ID   uint64 `json:"id"`
	Op   Op     `json:"op"`
	Mode string `json:"mode,omitempty"`

	// Port creation.
	Name          string `json:"name,omitempty"`
	Direction     string `json:"direction,omitempty"`
	MsgSize       int    `json:"msg_size,omitempty"`
	MsgNum        int    `json:"msg_num,omitempty"`
	RefreshPeriod int64  `json:"refresh_period_ns,omitempty"`

	// Port access.
	Port int    `json:"port,omitempty"`
	Data []byte `json:"data,omitempty"`

	// Timeout in nanoseconds: 0 does not block, negative waits forever.
	Timeout int64 `json:"timeout_ns,omitempty"`

	// raise_error and log.
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

// PartitionStatus answers get_status.
type PartitionStatus struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Mode           string `json:"mode"`
	StartCondition string `json:"start_condition"`
	Period         int64  `json:"period_ns"`
	Duration       int64  `json:"duration_ns"`
	Restarts       int    `json:"restarts"`
}

// QueueStatus answers queuing_status.
type QueueStatus struct {
	Len      int  `json:"len"`
	Capacity int  `json:"capacity"`
	MsgSize  int  `json:"msg_size"`
	Overflow bool `json:"overflow"`
}

// Response is the hypervisor's answer to a Request.
type Response struct {
	ID      uint64     `json:"id"`
	Code    ReturnCode `json:"code"`
	Message string     `json:"message,omitempty"`

	Port     int    `json:"port,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Valid    bool   `json:"valid,omitempty"`
	Overflow bool   `json:"overflow,omitempty"`

	// Time and Remaining are nanoseconds.
	Time      int64 `json:"time_ns,omitempty"`
	Remaining int64 `json:"remaining_ns,omitempty"`

	Status *PartitionStatus `json:"status,omitempty"`
	Queue  *QueueStatus     `json:"queue,omitempty"`
	Region *SharedRegion    `json:"region,omitempty"`
}

// SharedRegion tells a partition where to map a sampling destination it may
// read without a call. Fd was inherited at start and is mapped read-only.
// Stamps in the region count from ClockBase on CLOCK_MONOTONIC.
type SharedRegion struct {
	Fd            int   `json:"fd"`
	Size          int   `json:"size"`
	MsgSize       int   `json:"msg_size"`
	RefreshPeriod int64 `json:"refresh_period_ns"`
	ClockBase     int64 `json:"clock_base_ns"`
}
