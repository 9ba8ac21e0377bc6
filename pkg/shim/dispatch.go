//go:build linux

package shim

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// Open opens a capture device and wraps the resulting descriptor.
// Paths that are not V4L2 capture devices fail with ErrNotV4L2Device and
// leave nothing open.
func (s *Shim) Open(path string, oflag int) (int, error) {
	return s.OpenWithFlags(path, oflag, 0)
}

// OpenWithFlags is Open with session flags, the path based counterpart of
// FdOpen.
func (s *Shim) OpenWithFlags(path string, oflag int, flags Flags) (int, error) {
	fd, err := s.kernel.Open(path, oflag, 0)
	if err != nil {
		return -1, err
	}

	caps, err := v4l2.QueryCapability(s.kernel, fd)
	if err != nil || !v4l2.IsCaptureDevice(caps) {
		if closeErr := s.kernel.Close(fd); closeErr != nil {
			s.logger.Warn("Failed to close rejected device", "path", path, "error", closeErr)
		}
		return -1, newError(ErrNotV4L2Device, syscall.ENODEV, path, err)
	}

	if err := s.adopt(fd, path, caps, flags); err != nil {
		if closeErr := s.kernel.Close(fd); closeErr != nil {
			s.logger.Warn("Failed to close rejected device", "path", path, "error", closeErr)
		}
		return -1, err
	}
	return fd, nil
}

// FdOpen wraps an already open descriptor. On failure it returns an
// *UnsuitableError and fd stays open and owned by the caller.
func (s *Shim) FdOpen(fd int, flags Flags) (int, error) {
	if _, ok := s.registry.get(fd); ok {
		return -1, unsuitable(fd, syscall.EBUSY, "descriptor already wrapped", nil)
	}

	caps, err := v4l2.QueryCapability(s.kernel, fd)
	if err != nil {
		return -1, unsuitable(fd, syscall.ENOTTY, "not a V4L2 device", err)
	}
	effective := v4l2.EffectiveCaps(caps)
	if effective&v4l2.V4L2_CAP_VIDEO_CAPTURE == 0 {
		return -1, unsuitable(fd, syscall.EINVAL, "not a capture device", nil)
	}
	if effective&(v4l2.V4L2_CAP_STREAMING|v4l2.V4L2_CAP_READWRITE) == 0 {
		return -1, unsuitable(fd, syscall.EINVAL, "device supports neither streaming nor read", nil)
	}

	if err := s.adopt(fd, "", caps, flags); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return -1, &UnsuitableError{FD: fd, Err: newError(ErrUnsuitable, se.Errno, se.Message, se.Cause)}
		}
		return -1, unsuitable(fd, Errno(err), "query format", err)
	}
	return fd, nil
}

// adopt creates the session for fd and registers it.
func (s *Shim) adopt(fd int, path string, caps *v4l2.Capability, flags Flags) error {
	f := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_G_FMT, unsafe.Pointer(&f)); err != nil {
		return newError(ErrUnsuitable, Errno(err), "query current format", err)
	}

	status, err := s.kernel.Flags(fd)
	if err != nil {
		return newError(ErrUnsuitable, Errno(err), "query descriptor flags", err)
	}

	sess := &session{
		path:     path,
		card:     caps.CardName(),
		flags:    flags,
		caps:     v4l2.EffectiveCaps(caps),
		nonblock: status&syscall.O_NONBLOCK != 0,
		plan:     FormatPlan{Requested: f.Pix, Native: f.Pix},
		controls: make(map[uint32]controlRange),
	}
	if !s.registry.add(fd, sess) {
		return newError(ErrBusy, syscall.EBUSY, "descriptor already wrapped", nil)
	}

	s.logger.Debug("Session opened",
		"fd", fd,
		"path", path,
		"driver", caps.DriverName(),
		"card", sess.card,
		"format", v4l2.FormatFourCC(f.Pix.PixelFormat),
		"nonblocking", sess.nonblock)
	s.observer.SessionOpened(fd, path, sess.card)
	return nil
}

// Close closes fd. The session, its buffers and mappings are released when
// fd is the last descriptor referencing it. Release is best effort: every
// step runs even when an earlier one fails.
func (s *Shim) Close(fd int) error {
	sess, last, ok := s.registry.detach(fd)
	if !ok {
		return s.kernel.Close(fd)
	}

	var errs []error
	if last {
		if err := s.release(fd, sess); err != nil {
			errs = append(errs, err)
		}
		s.logger.Debug("Session closed", "fd", fd, "path", sess.path)
		s.observer.SessionClosed(fd, sess.path)
	}
	if err := s.kernel.Close(fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
	}
	return errors.Join(errs...)
}

// Dup duplicates fd. The new descriptor shares fd's session.
func (s *Shim) Dup(fd int) (int, error) {
	nfd, err := s.kernel.Dup(fd)
	if err != nil {
		return -1, err
	}
	s.registry.dup(fd, nfd)
	return nfd, nil
}

// Ioctl issues request req on fd. Format and capture buffer requests are
// handled by the shim, everything else reaches the kernel unmodified.
func (s *Shim) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	sess, ok := s.registry.get(fd)
	if !ok {
		return s.kernel.Ioctl(fd, req, arg)
	}

	switch req {
	case v4l2.VIDIOC_QUERYCAP:
		return s.queryCap(fd, (*v4l2.Capability)(arg))
	case v4l2.VIDIOC_ENUM_FMT:
		return s.enumFormat(fd, sess, (*v4l2.FmtDesc)(arg))
	case v4l2.VIDIOC_G_FMT:
		if f := (*v4l2.Format)(arg); f.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			f.Pix = sess.plan.Requested
			return nil
		}
	case v4l2.VIDIOC_TRY_FMT:
		if f := (*v4l2.Format)(arg); f.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			_, err := s.negotiate(fd, sess, f, false)
			return err
		}
	case v4l2.VIDIOC_S_FMT:
		if f := (*v4l2.Format)(arg); f.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.setFormat(fd, sess, f)
		}
	case v4l2.VIDIOC_REQBUFS:
		if r := (*v4l2.RequestBuffers)(arg); r.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.requestBuffers(fd, sess, r)
		}
	case v4l2.VIDIOC_QUERYBUF:
		if b := (*v4l2.Buffer)(arg); b.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.queryBuffer(fd, sess, b)
		}
	case v4l2.VIDIOC_QBUF:
		if b := (*v4l2.Buffer)(arg); b.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.queueBuffer(fd, sess, b)
		}
	case v4l2.VIDIOC_DQBUF:
		if b := (*v4l2.Buffer)(arg); b.Type == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.dequeueBuffer(fd, sess, b)
		}
	case v4l2.VIDIOC_STREAMON:
		if *(*uint32)(arg) == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.streamOn(fd, sess)
		}
	case v4l2.VIDIOC_STREAMOFF:
		if *(*uint32)(arg) == v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
			return s.streamOff(fd, sess)
		}
	}
	return s.kernel.Ioctl(fd, req, arg)
}

// queryCap reports read() support on top of the hardware capabilities,
// since the shim always provides it.
func (s *Shim) queryCap(fd int, c *v4l2.Capability) error {
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_QUERYCAP, unsafe.Pointer(c)); err != nil {
		return err
	}
	c.Capabilities |= v4l2.V4L2_CAP_READWRITE
	if c.Capabilities&v4l2.V4L2_CAP_DEVICE_CAPS != 0 {
		c.DeviceCaps |= v4l2.V4L2_CAP_READWRITE
	}
	return nil
}

// Mmap maps a capture buffer. Offsets reported by QUERYBUF on a wrapped
// descriptor map the buffer the application reads frames from, which is a
// shadow buffer when frames are converted.
func (s *Shim) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	if sess, ok := s.registry.get(fd); ok {
		if p := sess.pool; p != nil && p.owner == ownerApp {
			if sl := p.slotAt(offset); sl != nil {
				return s.mapSlot(fd, p, sl, length)
			}
			if p.convert {
				return nil, syscall.EINVAL
			}
		}
	}
	return s.kernel.Mmap(fd, offset, length, prot, flags)
}

// Munmap releases a mapping returned by Mmap. Buffer mappings stay owned by
// the session and are torn down with its buffers.
func (s *Shim) Munmap(b []byte) error {
	if len(b) == 0 {
		return syscall.EINVAL
	}

	found := false
	s.registry.each(func(sess *session) bool {
		if sess.pool == nil {
			return true
		}
		for _, sl := range sess.pool.slots {
			if sl.owns(b, sess.pool.convert) {
				sl.appMapped = false
				found = true
				return false
			}
		}
		return true
	})
	if found {
		return nil
	}
	return s.kernel.Munmap(b)
}
