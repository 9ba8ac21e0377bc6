//go:build linux

package shim

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(ErrBusy, syscall.EBUSY, "buffers are allocated", nil))

	if !errors.Is(err, ErrBusy) {
		t.Error("expected match on code")
	}
	if !errors.Is(err, syscall.EBUSY) {
		t.Error("expected match on errno")
	}
	if errors.Is(err, ErrIO) || errors.Is(err, syscall.EIO) {
		t.Error("unexpected match on unrelated code or errno")
	}

	var se *Error
	if !errors.As(err, &se) || se.Message != "buffers are allocated" {
		t.Errorf("errors.As = %+v", se)
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"shim error", newError(ErrWouldBlock, syscall.EAGAIN, "no frame ready", nil), syscall.EAGAIN},
		{"kernel errno", syscall.ENOTTY, syscall.ENOTTY},
		{"wrapped errno", fmt.Errorf("close: %w", syscall.EBADF), syscall.EBADF},
		{"unsuitable", unsuitable(5, syscall.ENOTTY, "not a V4L2 device", nil), syscall.ENOTTY},
		{"other", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Errno(tt.err); got != tt.want {
				t.Errorf("Errno() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaptureError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
		wantNo   syscall.Errno
	}{
		{"would block", syscall.EAGAIN, ErrWouldBlock, syscall.EAGAIN},
		{"interrupted", syscall.EINTR, ErrIO, syscall.EINTR},
		{"io", syscall.EIO, ErrIO, syscall.EIO},
		{"opaque", errors.New("boom"), ErrIO, syscall.EIO},
		{"already classified", newError(ErrConversionFailed, syscall.EIO, "convert", nil), ErrConversionFailed, syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := captureError(tt.err)
			if !errors.Is(err, tt.wantCode) || !errors.Is(err, tt.wantNo) {
				t.Errorf("captureError(%v) = %v, want %s/%v", tt.err, err, tt.wantCode, tt.wantNo)
			}
		})
	}
}

func TestUnsuitableErrorMessage(t *testing.T) {
	err := unsuitable(7, syscall.EINVAL, "not a capture device", nil)
	want := "fd 7: [UNSUITABLE] not a capture device"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
