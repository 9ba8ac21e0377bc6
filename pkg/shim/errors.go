//go:build linux

package shim

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode identifies a class of shim failure. Codes are themselves errors so
// they can be used as errors.Is targets.
type ErrorCode string

// Error codes.
const (
	ErrNotV4L2Device     ErrorCode = "NOT_V4L2_DEVICE"
	ErrUnsuitable        ErrorCode = "UNSUITABLE"
	ErrFormatUnsupported ErrorCode = "FORMAT_UNSUPPORTED"
	ErrInvalidState      ErrorCode = "INVALID_STATE"
	ErrBusy              ErrorCode = "BUSY"
	ErrConversionFailed  ErrorCode = "CONVERSION_FAILED"
	ErrIO                ErrorCode = "IO_ERROR"
	ErrWouldBlock        ErrorCode = "WOULD_BLOCK"
)

func (c ErrorCode) Error() string {
	return string(c)
}

// Error is a shim failure carrying the errno the equivalent kernel call sets.
// errors.Is matches both its Code and its Errno.
type Error struct {
	Code    ErrorCode
	Errno   syscall.Errno
	Message string
	Cause   error
}

func newError(code ErrorCode, errno syscall.Errno, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Errno:   errno,
		Message: message,
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is e's code or errno.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case syscall.Errno:
		return e.Errno == t
	}
	return false
}

// UnsuitableError is returned by FdOpen when the shim declines a descriptor.
// The shim took no ownership: FD is still open and belongs to the caller.
type UnsuitableError struct {
	FD  int
	Err *Error
}

func (e *UnsuitableError) Error() string {
	return fmt.Sprintf("fd %d: %v", e.FD, e.Err)
}

func (e *UnsuitableError) Unwrap() error {
	return e.Err
}

func unsuitable(fd int, errno syscall.Errno, message string, cause error) *UnsuitableError {
	return &UnsuitableError{FD: fd, Err: newError(ErrUnsuitable, errno, message, cause)}
}

// Errno returns the errno a C caller would observe for err: zero for nil,
// the carried errno for shim and kernel errors, EIO otherwise.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// captureError classifies a failed dequeue or read the way read(2) reports it.
func captureError(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return newError(ErrIO, syscall.EIO, "capture failed", err)
	}
	if errno == syscall.EAGAIN {
		return newError(ErrWouldBlock, errno, "no frame ready", err)
	}
	return newError(ErrIO, errno, "capture failed", err)
}
