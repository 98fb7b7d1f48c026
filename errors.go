// Package gpu implements the host-side driver core for an FPGA GPU
// command-submission device: register access, command rings, the fence and
// interrupt engines, the job scheduler, and the reset/health engine.
package gpu

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured driver error with context and errno mapping.
type Error struct {
	Op    string    // Operation that failed (e.g., "ring.submit", "fence.wait")
	DevID uint32    // Device id (0 if not applicable)
	Queue int       // Hardware queue id (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("gpu: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("gpu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by comparing error codes
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the high-level error categories every
// boundary-facing operation returns instead of a bare errno.
type ErrorCode string

const (
	ErrCodeInvalidArgument   ErrorCode = "invalid argument"
	ErrCodeOutOfMemory       ErrorCode = "out of memory"
	ErrCodeBusy              ErrorCode = "busy"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeHardwareError     ErrorCode = "hardware error"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeCancelled         ErrorCode = "cancelled"
	ErrCodeNotFound          ErrorCode = "not found"
	ErrCodeAlreadyInProgress ErrorCode = "already in progress"
)

// Sentinel errors for errors.Is comparisons against a bare code.
var (
	ErrInvalidArgument   = &Error{Code: ErrCodeInvalidArgument, Queue: -1}
	ErrOutOfMemory       = &Error{Code: ErrCodeOutOfMemory, Queue: -1}
	ErrBusy              = &Error{Code: ErrCodeBusy, Queue: -1}
	ErrTimeout           = &Error{Code: ErrCodeTimeout, Queue: -1}
	ErrHardwareError     = &Error{Code: ErrCodeHardwareError, Queue: -1}
	ErrPermissionDenied  = &Error{Code: ErrCodePermissionDenied, Queue: -1}
	ErrCancelled         = &Error{Code: ErrCodeCancelled, Queue: -1}
	ErrNotFound          = &Error{Code: ErrCodeNotFound, Queue: -1}
	ErrAlreadyInProgress = &Error{Code: ErrCodeAlreadyInProgress, Queue: -1}
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Queue: -1}
}

// NewQueueError creates a new queue-scoped error.
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with driver context, mapping syscall
// errnos to an ErrorCode the same way mapErrnoToCode does for raw errnos.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ge, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			DevID: ge.DevID,
			Queue: ge.Queue,
			Code:  ge.Code,
			Errno: ge.Errno,
			Msg:   ge.Msg,
			Inner: ge.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeHardwareError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to driver error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeOutOfMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ECANCELED:
		return ErrCodeCancelled
	default:
		return ErrCodeHardwareError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code == code
	}
	return false
}
