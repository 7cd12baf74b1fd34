// Package errors is the coded error type shared by the hypervisor, its CLI
// tools and the status endpoint. The code decides the process exit status,
// the APEX return code handed to a partition and the HTTP status of a failed
// status request.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

const stackDepth = 16

// Error carries a code, a message, optional structured details and the cause.
// Errors with a fault code remember where they were created; flow-control
// codes on the port paths skip that.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error

	pcs []uintptr
}

func newError(code ErrorCode, msg string, cause error) *Error {
	e := &Error{Code: code, Message: msg, Err: cause}
	if !code.FlowControl() {
		var pcs [stackDepth]uintptr
		// Skip runtime.Callers, newError and the exported constructor.
		n := runtime.Callers(3, pcs[:])
		e.pcs = pcs[:n]
	}
	return e
}

// Error returns the message followed by the cause when the cause adds text.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		cause := e.Err.Error()
		switch {
		case strings.HasPrefix(cause, msg):
			return cause
		case !strings.HasSuffix(msg, cause):
			return msg + ": " + cause
		}
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Stack renders the creation site, one frame per line. It is empty for
// flow-control codes.
func (e *Error) Stack() string {
	if len(e.pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(e.pcs)
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// Format prints the stack for %+v, which zap reports as errorVerbose.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.Error())
			_, _ = io.WriteString(s, e.Stack())
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// New creates an error carrying the code's default message.
func New(code ErrorCode) *Error {
	return newError(code, code.Message(), nil)
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err. An *Error keeps its message and becomes the
// cause, so the original code stays reachable through Unwrap.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if stderrors.As(err, &inner) {
		e := newError(code, inner.Message, err)
		e.Details = inner.Details
		return e
	}
	return newError(code, err.Error(), err)
}

// Wrapf attaches code and a formatted message to err.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(code, fmt.Sprintf(format, args...), err)
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail adds a key-value detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetCode returns the code of the outermost *Error in err's chain,
// InternalError for foreign errors and Success for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// GetError returns the outermost *Error in err's chain, wrapping foreign
// errors as InternalError.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return newError(InternalError, err.Error(), err)
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// BadRequest is an InvalidParams error with msg.
func BadRequest(msg string) *Error {
	return newError(InvalidParams, msg, nil)
}

// ConfigError reports an invalid configuration field.
func ConfigError(code ErrorCode, field, reason string) *Error {
	return newError(code, field+": "+reason, nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}
