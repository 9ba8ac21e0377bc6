//go:build linux

package shim

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// Read reads one frame into p, truncated to len(p). Devices without read()
// support are streamed through an internal buffer pool that the application
// never sees. Each call consumes exactly one frame.
func (s *Shim) Read(fd int, p []byte) (int, error) {
	sess, ok := s.registry.get(fd)
	if !ok {
		return s.kernel.Read(fd, p)
	}
	if appPool(sess) != nil {
		return 0, newError(ErrBusy, syscall.EBUSY, "application owns the capture buffers", nil)
	}
	if sess.pool == nil && sess.caps&v4l2.V4L2_CAP_READWRITE != 0 {
		return s.readNative(fd, sess, p)
	}
	return s.readStreaming(fd, sess, p)
}

// readNative reads from a device that implements read() itself.
func (s *Shim) readNative(fd int, sess *session, p []byte) (int, error) {
	plan := sess.plan
	if !plan.Convert {
		n, err := s.kernel.Read(fd, p)
		if err != nil {
			return 0, captureError(err)
		}
		return n, nil
	}

	if len(sess.scratch) < int(plan.Native.SizeImage) {
		sess.scratch = make([]byte, plan.Native.SizeImage)
	}
	if len(sess.frame) < int(plan.Requested.SizeImage) {
		sess.frame = make([]byte, plan.Requested.SizeImage)
	}

	n, err := s.kernel.Read(fd, sess.scratch)
	if err != nil {
		return 0, captureError(err)
	}
	m, err := s.convertFrame(sess.scratch[:n], plan.Native, sess.frame, plan.Requested)
	if err != nil {
		s.observer.ConversionFailed(fd, sess.path, err)
		return 0, newError(ErrConversionFailed, syscall.EIO, "convert frame", err)
	}
	return copy(p, sess.frame[:m]), nil
}

// startReader allocates the read() pool, queues every buffer and starts
// streaming.
func (s *Shim) startReader(fd int, sess *session) error {
	req := v4l2.RequestBuffers{
		Count:  uint32(s.readBuffers),
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	if err := s.allocate(fd, sess, &req, ownerReader); err != nil {
		return err
	}

	for _, sl := range sess.pool.slots {
		b := v4l2.Buffer{
			Index:  uint32(sl.index),
			Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
			Memory: v4l2.V4L2_MEMORY_MMAP,
		}
		if err := s.enqueue(fd, sess, &b); err != nil {
			return errors.Join(err, s.release(fd, sess))
		}
	}

	typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return errors.Join(err, s.release(fd, sess))
	}
	sess.pool.streaming = true

	s.logger.Debug("Read emulation started", "fd", fd, "buffers", len(sess.pool.slots))
	return nil
}

// readStreaming serves read() by dequeuing a frame, copying it out and
// queuing the buffer again.
func (s *Shim) readStreaming(fd int, sess *session, p []byte) (int, error) {
	if sess.pool == nil {
		if err := s.startReader(fd, sess); err != nil {
			return 0, captureError(err)
		}
	}
	pool := sess.pool

	var b v4l2.Buffer
	sl, err := s.dequeue(fd, sess, &b)
	if err != nil {
		if errors.Is(err, ErrConversionFailed) && int(b.Index) < len(pool.slots) {
			s.requeue(fd, sess, int(b.Index))
		}
		return 0, captureError(err)
	}

	n := copy(p, sl.region(pool.convert)[:sl.bytesUsed])
	s.observer.FrameDequeued(fd, sess.path, FrameInfo{
		Index:     sl.index,
		Sequence:  b.Sequence,
		BytesUsed: int(sl.bytesUsed),
		Converted: pool.convert,
		Read:      true,
	})

	if err := s.requeue(fd, sess, sl.index); err != nil {
		return n, captureError(err)
	}
	return n, nil
}

func (s *Shim) requeue(fd int, sess *session, index int) error {
	b := v4l2.Buffer{
		Index:  uint32(index),
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	if err := s.enqueue(fd, sess, &b); err != nil {
		s.logger.Warn("Failed to requeue read buffer", "fd", fd, "buffer", index, "error", err)
		return err
	}
	return nil
}
