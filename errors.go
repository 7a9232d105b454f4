package sgcopy

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is a structured copy-engine error with device context and errno
// mapping.
type Error struct {
	Op     string        // Operation that failed (e.g. "READ", "WRITE", "READ_LONG")
	Device string        // Device path ("" if not applicable)
	LBA    uint64        // Logical block address of the failure
	HasLBA bool          // LBA field is meaningful
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Device))
	}
	if e.HasLBA {
		parts = append(parts, fmt.Sprintf("lba=%d", e.LBA))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("sgcopy: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("sgcopy: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is matches structured errors by category code.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	ErrCodeEncode           ErrorCode = "unencodable command"
	ErrCodeTransport        ErrorCode = "transport failure"
	ErrCodeTimeout          ErrorCode = "command timeout"
	ErrCodeMediumError      ErrorCode = "medium or hardware error"
	ErrCodeIllegalRequest   ErrorCode = "illegal request"
	ErrCodeInvalidOperation ErrorCode = "invalid operation"
	ErrCodeAborted          ErrorCode = "aborted command"
	ErrCodeUnitAttention    ErrorCode = "unit attention"
	ErrCodeNoMemory         ErrorCode = "insufficient memory"
	ErrCodeDestinationFull  ErrorCode = "destination exhausted"
	ErrCodeCancelled        ErrorCode = "cancelled"
	ErrCodeAllocation       ErrorCode = "allocation failure"
	ErrCodeInvalidParams    ErrorCode = "invalid parameters"
	ErrCodeNotSupported     ErrorCode = "not supported"
	ErrCodeIOError          ErrorCode = "I/O error"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError creates a device-scoped error.
func NewDeviceError(op, device string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: device, Code: code, Msg: msg}
}

// NewBlockError creates an error pinned to a logical block address.
func NewBlockError(op string, lba uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, LBA: lba, HasLBA: true, Code: code, Msg: msg}
}

// WrapError wraps an existing error with copy-engine context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Device: se.Device,
			LBA:    se.LBA,
			HasLBA: se.HasLBA,
			Code:   se.Code,
			Errno:  se.Errno,
			Msg:    se.Msg,
			Inner:  se.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM:
		return ErrCodeNoMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParams
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOSPC:
		return ErrCodeDestinationFull
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Errno == errno
	}
	return false
}
