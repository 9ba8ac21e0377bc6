//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the system call surface a V4L2 client needs. Every call
// reports failures as the raw errno the kernel returned.
type Kernel interface {
	Open(path string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Dup(fd int) (int, error)
	Ioctl(fd int, req uint, arg unsafe.Pointer) error
	Read(fd int, p []byte) (int, error)
	Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error)
	Munmap(b []byte) error
	// Flags returns the file status flags (F_GETFL) of fd.
	Flags(fd int) (int, error)
}

// SysKernel implements Kernel with real system calls.
type SysKernel struct{}

// NewSysKernel returns the Kernel backed by the running Linux kernel.
func NewSysKernel() *SysKernel {
	return &SysKernel{}
}

// Open opens a device node.
func (SysKernel) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags|unix.O_CLOEXEC, mode)
}

// Close closes fd.
func (SysKernel) Close(fd int) error {
	return unix.Close(fd)
}

// Dup duplicates fd.
func (SysKernel) Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// Ioctl issues a single ioctl. EINTR is returned to the caller, never retried.
func (SysKernel) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Read reads from fd.
func (SysKernel) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Mmap maps device memory.
func (SysKernel) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

// Munmap unmaps memory returned by Mmap.
func (SysKernel) Munmap(b []byte) error {
	return unix.Munmap(b)
}

// Flags returns the file status flags of fd.
func (SysKernel) Flags(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
}
