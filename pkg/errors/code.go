package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Configuration errors
// 12000-12999: Isolation errors
// 13000-13999: Lifecycle & scheduling errors
// 14000-14999: Port errors
// 15000-15999: Health monitor errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalError      ErrorCode = 10001
	InvalidParams      ErrorCode = 10002
	NotFound           ErrorCode = 10003
	ServiceUnavailable ErrorCode = 10007
	Timeout            ErrorCode = 10008
	Unsupported        ErrorCode = 10009

	// ========== Configuration Errors (11000-11999) ==========

	ConfigInvalid   ErrorCode = 11000
	ConfigNotFound  ErrorCode = 11001
	ScheduleOverlap ErrorCode = 11100
	PeriodMismatch  ErrorCode = 11101
	WindowInvalid   ErrorCode = 11102
	ChannelInvalid  ErrorCode = 11200
	PartitionUnique ErrorCode = 11201

	// ========== Isolation Errors (12000-12999) ==========

	IsolationFailed       ErrorCode = 12000
	InsufficientPrivilege ErrorCode = 12001
	CgroupFailed          ErrorCode = 12002
	HandleInvalid         ErrorCode = 12003
	ProcessSignalFailed   ErrorCode = 12004

	// ========== Lifecycle & Scheduling Errors (13000-13999) ==========

	InvalidTransition ErrorCode = 13000
	PartitionStopped  ErrorCode = 13001
	InvalidMode       ErrorCode = 13002
	PartitionUnknown  ErrorCode = 13003

	// ========== Port Errors (14000-14999) ==========

	PortNotFound    ErrorCode = 14000
	PortDirection   ErrorCode = 14001
	PortNotCreated  ErrorCode = 14002
	MessageTooLarge ErrorCode = 14100
	QueueFull       ErrorCode = 14101
	QueueEmpty      ErrorCode = 14102
	ReadTimeout     ErrorCode = 14103
	NoMessage       ErrorCode = 14104

	// ========== Health Monitor Errors (15000-15999) ==========

	ModuleShutdown ErrorCode = 15000
	RecoveryFailed ErrorCode = 15001
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	// System
	Success:            "Success",
	InternalError:      "Internal error",
	InvalidParams:      "Invalid parameters",
	NotFound:           "Resource not found",
	ServiceUnavailable: "Service temporarily unavailable",
	Timeout:            "Operation timeout",
	Unsupported:        "Operation not supported on this platform",

	// Configuration
	ConfigInvalid:   "Invalid configuration",
	ConfigNotFound:  "Configuration file not found",
	ScheduleOverlap: "Partition windows overlap",
	PeriodMismatch:  "Major frame is not a multiple of the partition period",
	WindowInvalid:   "Partition window does not fit its period",
	ChannelInvalid:  "Invalid channel declaration",
	PartitionUnique: "Partition id or name is not unique",

	// Isolation
	IsolationFailed:       "Failed to create isolated execution context",
	InsufficientPrivilege: "Insufficient privilege to create isolation primitives",
	CgroupFailed:          "Cgroup operation failed",
	HandleInvalid:         "Partition runtime handle is no longer valid",
	ProcessSignalFailed:   "Failed to signal partition process",

	// Lifecycle
	InvalidTransition: "Invalid partition mode transition",
	PartitionStopped:  "Partition is stopped",
	InvalidMode:       "Operation not allowed in current partition mode",
	PartitionUnknown:  "Unknown partition",

	// Ports
	PortNotFound:    "Port not found",
	PortDirection:   "Operation not allowed for port direction",
	PortNotCreated:  "Port has not been created by the partition",
	MessageTooLarge: "Message exceeds channel message size",
	QueueFull:       "Queue capacity exceeded",
	QueueEmpty:      "Queue is empty",
	ReadTimeout:     "Timed out waiting for message",
	NoMessage:       "No message has been written yet",

	// Health monitor
	ModuleShutdown: "Module shutdown requested by health monitor",
	RecoveryFailed: "Recovery action failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// IsConfig reports whether the code belongs to the load-time configuration range.
func (c ErrorCode) IsConfig() bool {
	return c >= 11000 && c < 12000
}

// IsPortViolation reports whether the code is a violation attributable to the
// calling partition rather than a transient condition.
func (c ErrorCode) IsPortViolation() bool {
	switch c {
	case PortNotFound, PortDirection, PortNotCreated, MessageTooLarge, QueueFull:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == PartitionUnknown, c == PortNotFound:
		return 404
	case c == InvalidParams, c.IsConfig():
		return 400
	case c == ServiceUnavailable, c == ModuleShutdown:
		return 503
	case c == Unsupported:
		return 501
	case c == Timeout:
		return 504
	default:
		return 500
	}
}

// FlowControl reports whether the code is an expected outcome of a port
// operation rather than a fault. Such errors are built on every empty read
// and carry no stack.
func (c ErrorCode) FlowControl() bool {
	switch c {
	case QueueEmpty, QueueFull, NoMessage, ReadTimeout:
		return true
	default:
		return false
	}
}
