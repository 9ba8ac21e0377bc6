//go:build linux

// Package v4l2test provides an in-memory V4L2 capture device for tests.
//
// Kernel implements v4l2.Kernel with the subset of the ioctl contract a
// capture client exercises: capability and format queries, mmap streaming,
// read() and controls. Requests it does not model fail with ENOTTY, which is
// what a real driver answers for an unknown ioctl.
package v4l2test

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

const pageSize = 4096

// Call records one ioctl issued against the simulated kernel.
type Call struct {
	FD  int
	Req uint
}

// Kernel is a simulated kernel hosting any number of device nodes.
type Kernel struct {
	mu       sync.Mutex
	devices  map[string]*Device
	files    map[int]*file
	mappings map[*byte]*buffer
	nextFD   int
	calls    []Call
}

// file is one open file description, shared by duplicated descriptors.
type file struct {
	dev   *Device
	flags int
	refs  int
}

// NewKernel returns an empty simulated kernel.
func NewKernel() *Kernel {
	return &Kernel{
		devices:  make(map[string]*Device),
		files:    make(map[int]*file),
		mappings: make(map[*byte]*buffer),
		nextFD:   3,
	}
}

// AddDevice registers a capture device at path.
func (k *Kernel) AddDevice(path string, cfg Config) *Device {
	k.mu.Lock()
	defer k.mu.Unlock()

	dev := newDevice(cfg)
	k.devices[path] = dev
	return dev
}

// AddNode registers a path that opens fine but is not a V4L2 device.
func (k *Kernel) AddNode(path string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.devices[path] = nil
}

// Calls returns every ioctl request issued so far.
func (k *Kernel) Calls() []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Call, len(k.calls))
	copy(out, k.calls)
	return out
}

// OpenFDs returns the number of descriptors currently open.
func (k *Kernel) OpenFDs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.files)
}

// Open opens a registered node.
func (k *Kernel) Open(path string, flags int, _ uint32) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	dev, ok := k.devices[path]
	if !ok {
		return -1, syscall.ENOENT
	}
	if dev != nil {
		dev.openFiles++
	}
	fd := k.nextFD
	k.nextFD++
	k.files[fd] = &file{dev: dev, flags: flags, refs: 1}
	return fd, nil
}

// Close closes fd. The device queue is released when its last file goes away.
func (k *Kernel) Close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.files[fd]
	if !ok {
		return syscall.EBADF
	}
	delete(k.files, fd)
	f.refs--
	if f.refs > 0 || f.dev == nil {
		return nil
	}
	f.dev.openFiles--
	if f.dev.openFiles == 0 {
		f.dev.streaming = false
		f.dev.queue = nil
		f.dev.bufs = nil
	}
	return nil
}

// Dup returns a new descriptor sharing fd's open file description.
func (k *Kernel) Dup(fd int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.files[fd]
	if !ok {
		return -1, syscall.EBADF
	}
	f.refs++
	nfd := k.nextFD
	k.nextFD++
	k.files[nfd] = f
	return nfd, nil
}

// Flags returns the flags fd was opened with.
func (k *Kernel) Flags(fd int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.files[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	return f.flags, nil
}

// Read returns one frame truncated to len(p) when the device supports read().
func (k *Kernel) Read(fd int, p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.files[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	if f.dev == nil || !f.dev.cfg.ReadSupport {
		return 0, syscall.EINVAL
	}
	if f.dev.starved {
		if f.flags&syscall.O_NONBLOCK != 0 {
			return 0, syscall.EAGAIN
		}
		return 0, syscall.EIO
	}
	frame := f.dev.nextFrame()
	return copy(p, frame), nil
}

// Mmap maps the buffer whose QUERYBUF offset is offset.
func (k *Kernel) Mmap(fd int, offset int64, length int, _, _ int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.files[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	if f.dev == nil || offset%pageSize != 0 {
		return nil, syscall.EINVAL
	}
	idx := int(offset / pageSize)
	if idx >= len(f.dev.bufs) || length <= 0 || length > len(f.dev.bufs[idx].data) {
		return nil, syscall.EINVAL
	}
	buf := f.dev.bufs[idx]
	buf.mapped++
	k.mappings[&buf.data[0]] = buf
	return buf.data[:length], nil
}

// Munmap releases a mapping returned by Mmap.
func (k *Kernel) Munmap(b []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(b) == 0 {
		return syscall.EINVAL
	}
	buf, ok := k.mappings[&b[0]]
	if !ok || buf.mapped == 0 {
		return syscall.EINVAL
	}
	buf.mapped--
	if buf.mapped == 0 {
		delete(k.mappings, &b[0])
	}
	return nil
}

// Ioctl dispatches a request to the device behind fd.
func (k *Kernel) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.calls = append(k.calls, Call{FD: fd, Req: req})

	f, ok := k.files[fd]
	if !ok {
		return syscall.EBADF
	}
	if f.dev == nil {
		return syscall.ENOTTY
	}
	dev := f.dev

	switch req {
	case v4l2.VIDIOC_QUERYCAP:
		dev.queryCap((*v4l2.Capability)(arg))
		return nil
	case v4l2.VIDIOC_ENUM_FMT:
		return dev.enumFmt((*v4l2.FmtDesc)(arg))
	case v4l2.VIDIOC_G_FMT:
		return dev.getFmt((*v4l2.Format)(arg))
	case v4l2.VIDIOC_TRY_FMT:
		return dev.setFmt((*v4l2.Format)(arg), false)
	case v4l2.VIDIOC_S_FMT:
		return dev.setFmt((*v4l2.Format)(arg), true)
	case v4l2.VIDIOC_REQBUFS:
		return dev.reqBufs((*v4l2.RequestBuffers)(arg))
	case v4l2.VIDIOC_QUERYBUF:
		return dev.queryBuf((*v4l2.Buffer)(arg))
	case v4l2.VIDIOC_QBUF:
		return dev.qbuf((*v4l2.Buffer)(arg))
	case v4l2.VIDIOC_DQBUF:
		return dev.dqbuf((*v4l2.Buffer)(arg), f.flags&syscall.O_NONBLOCK != 0)
	case v4l2.VIDIOC_STREAMON:
		return dev.streamOn(*(*uint32)(arg))
	case v4l2.VIDIOC_STREAMOFF:
		return dev.streamOff(*(*uint32)(arg))
	case v4l2.VIDIOC_QUERYCTRL:
		return dev.queryCtrl((*v4l2.QueryCtrl)(arg))
	case v4l2.VIDIOC_G_CTRL:
		return dev.getCtrl((*v4l2.Control)(arg))
	case v4l2.VIDIOC_S_CTRL:
		return dev.setCtrl((*v4l2.Control)(arg))
	default:
		return syscall.ENOTTY
	}
}
