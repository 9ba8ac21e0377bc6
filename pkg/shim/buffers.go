//go:build linux

package shim

import (
	"errors"
	"fmt"
	"slices"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// shadowOffsetMagic tags mmap offsets that address shadow buffers. The low
// byte carries the buffer index.
const shadowOffsetMagic = 0xABCDEF00

func shadowOffset(index int) uint32 {
	return shadowOffsetMagic | uint32(index)
}

// SlotState is the lifecycle state of one capture buffer.
type SlotState int

// Slot states.
const (
	SlotIdle SlotState = iota
	SlotQueued
	SlotFilled
	SlotConverted
	SlotHeld
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotQueued:
		return "queued"
	case SlotFilled:
		return "filled"
	case SlotConverted:
		return "converted"
	case SlotHeld:
		return "held"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// slotTransitions lists the legal moves out of every state. Any state may
// fall back to idle when streaming stops or a conversion fails.
var slotTransitions = map[SlotState][]SlotState{
	SlotIdle:      {SlotQueued},
	SlotQueued:    {SlotFilled, SlotIdle},
	SlotFilled:    {SlotConverted, SlotHeld, SlotIdle},
	SlotConverted: {SlotHeld, SlotIdle},
	SlotHeld:      {SlotQueued, SlotIdle},
}

type owner int

const (
	ownerApp owner = iota
	ownerReader
)

// pool is the set of capture buffers of a session.
type pool struct {
	owner     owner
	convert   bool
	native    v4l2.PixFormat
	requested v4l2.PixFormat
	slots     []*slot
	streaming bool
}

// slot is one buffer of the pool.
type slot struct {
	index  int
	state  SlotState
	offset uint32
	length uint32
	// native maps the kernel buffer. It is only mapped when the shim reads
	// frames itself or the application maps an unconverted buffer.
	native []byte
	// shadow holds the converted frame when the plan converts.
	shadow    []byte
	bytesUsed uint32
	appMapped bool
}

func (sl *slot) transition(to SlotState) error {
	if !slices.Contains(slotTransitions[sl.state], to) {
		return newError(ErrInvalidState, syscall.EINVAL,
			fmt.Sprintf("buffer %d cannot move from %s to %s", sl.index, sl.state, to), nil)
	}
	sl.state = to
	return nil
}

// region returns the memory the application reads frames from.
func (sl *slot) region(convert bool) []byte {
	if convert {
		return sl.shadow
	}
	return sl.native
}

func (sl *slot) owns(b []byte, convert bool) bool {
	r := sl.region(convert)
	return len(r) > 0 && len(b) > 0 && &r[0] == &b[0]
}

func (p *pool) slotAt(offset int64) *slot {
	for _, sl := range p.slots {
		if p.convert && offset == int64(shadowOffset(sl.index)) {
			return sl
		}
		if !p.convert && offset == int64(sl.offset) {
			return sl
		}
	}
	return nil
}

func (p *pool) appMapped() bool {
	return slices.ContainsFunc(p.slots, func(sl *slot) bool { return sl.appMapped })
}

// allocate requests buffers from the kernel and builds the pool. The count
// granted by the kernel is written back to req.
func (s *Shim) allocate(fd int, sess *session, req *v4l2.RequestBuffers, o owner) error {
	plan := sess.plan
	kreq := v4l2.RequestBuffers{
		Count:  req.Count,
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(&kreq)); err != nil {
		return err
	}

	p := &pool{
		owner:     o,
		convert:   plan.Convert,
		native:    plan.Native,
		requested: plan.Requested,
	}
	sess.pool = p

	for i := 0; i < int(kreq.Count); i++ {
		b := v4l2.Buffer{
			Index:  uint32(i),
			Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
			Memory: v4l2.V4L2_MEMORY_MMAP,
		}
		if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_QUERYBUF, unsafe.Pointer(&b)); err != nil {
			return errors.Join(fmt.Errorf("query buffer %d: %w", i, err), s.release(fd, sess))
		}
		sl := &slot{index: i, offset: b.Offset, length: b.Length}
		p.slots = append(p.slots, sl)

		if p.convert || o == ownerReader {
			mem, err := s.kernel.Mmap(fd, int64(b.Offset), int(b.Length),
				unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				return errors.Join(fmt.Errorf("map buffer %d: %w", i, err), s.release(fd, sess))
			}
			sl.native = mem
		}
		if p.convert {
			sl.shadow = make([]byte, plan.Requested.SizeImage)
		}
	}

	req.Count = kreq.Count
	req.Capabilities = kreq.Capabilities

	s.logger.Debug("Buffers allocated",
		"fd", fd,
		"requested", kreq.Count,
		"convert", p.convert,
		"reader", o == ownerReader)
	return nil
}

// release stops streaming and frees every buffer and mapping of the
// session. It keeps going past individual failures and reports them joined.
func (s *Shim) release(fd int, sess *session) error {
	p := sess.pool
	if p == nil {
		return nil
	}
	sess.pool = nil

	var errs []error
	if p.streaming {
		typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
		if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
			errs = append(errs, fmt.Errorf("stream off: %w", err))
		}
	}
	for _, sl := range p.slots {
		if sl.native != nil {
			if err := s.kernel.Munmap(sl.native); err != nil {
				errs = append(errs, fmt.Errorf("unmap buffer %d: %w", sl.index, err))
			}
			sl.native = nil
		}
		sl.shadow = nil
		sl.state = SlotIdle
	}
	req := v4l2.RequestBuffers{
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(&req)); err != nil {
		errs = append(errs, fmt.Errorf("free buffers: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Buffer release incomplete", "fd", fd, "error", err)
		return err
	}
	s.logger.Debug("Buffers released", "fd", fd, "count", len(p.slots))
	return nil
}

// mapSlot returns the application view of a slot. Mapping a slot twice
// returns the same memory.
func (s *Shim) mapSlot(fd int, p *pool, sl *slot, length int) ([]byte, error) {
	if !p.convert && sl.native == nil {
		mem, err := s.kernel.Mmap(fd, int64(sl.offset), int(sl.length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, err
		}
		sl.native = mem
	}
	r := sl.region(p.convert)
	if length <= 0 || length > len(r) {
		return nil, syscall.EINVAL
	}
	sl.appMapped = true
	return r[:length], nil
}

// enqueue hands a slot to the kernel. Only idle and held slots may be queued.
func (s *Shim) enqueue(fd int, sess *session, b *v4l2.Buffer) error {
	p := sess.pool
	if int(b.Index) >= len(p.slots) {
		return newError(ErrInvalidState, syscall.EINVAL, fmt.Sprintf("no buffer %d", b.Index), nil)
	}
	sl := p.slots[b.Index]
	if sl.state != SlotIdle && sl.state != SlotHeld {
		return newError(ErrInvalidState, syscall.EINVAL,
			fmt.Sprintf("buffer %d is %s", sl.index, sl.state), nil)
	}

	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_QBUF, unsafe.Pointer(b)); err != nil {
		return err
	}
	if err := sl.transition(SlotQueued); err != nil {
		return err
	}
	p.present(sl, b)
	return nil
}

// dequeue takes the next completed buffer from the kernel. With conversion
// the frame is recoded into the shadow buffer first; a failed conversion
// leaves the slot idle and reports ErrConversionFailed.
func (s *Shim) dequeue(fd int, sess *session, b *v4l2.Buffer) (*slot, error) {
	p := sess.pool
	b.Type = v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE
	b.Memory = v4l2.V4L2_MEMORY_MMAP
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_DQBUF, unsafe.Pointer(b)); err != nil {
		return nil, err
	}
	if int(b.Index) >= len(p.slots) {
		return nil, newError(ErrIO, syscall.EIO, fmt.Sprintf("kernel returned unknown buffer %d", b.Index), nil)
	}

	sl := p.slots[b.Index]
	if err := sl.transition(SlotFilled); err != nil {
		return nil, err
	}

	if !p.convert {
		sl.bytesUsed = b.BytesUsed
		return sl, sl.transition(SlotHeld)
	}

	used := min(int(b.BytesUsed), len(sl.native))
	n, err := s.convertFrame(sl.native[:used], p.native, sl.shadow, p.requested)
	if err != nil {
		if terr := sl.transition(SlotIdle); terr != nil {
			return nil, terr
		}
		s.logger.Warn("Frame conversion failed",
			"fd", fd,
			"buffer", sl.index,
			"from", v4l2.FormatFourCC(p.native.PixelFormat),
			"to", v4l2.FormatFourCC(p.requested.PixelFormat),
			"error", err)
		s.observer.ConversionFailed(fd, sess.path, err)
		return nil, newError(ErrConversionFailed, syscall.EIO,
			fmt.Sprintf("convert buffer %d", sl.index), err)
	}
	sl.bytesUsed = uint32(n)
	if err := sl.transition(SlotConverted); err != nil {
		return nil, err
	}
	if err := sl.transition(SlotHeld); err != nil {
		return nil, err
	}
	p.present(sl, b)
	return sl, nil
}

// convertFrame runs the converter, reporting a panic inside it as an error.
func (s *Shim) convertFrame(src []byte, srcFmt v4l2.PixFormat, dst []byte, dstFmt v4l2.PixFormat) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("converter panicked: %v", r)
		}
	}()
	return s.conv.Convert(src, srcFmt, dst, dstFmt)
}

// present rewrites a kernel buffer description into the application view.
// Without conversion the kernel's answer is already correct.
func (p *pool) present(sl *slot, b *v4l2.Buffer) {
	if !p.convert {
		return
	}
	b.Offset = shadowOffset(sl.index)
	b.Length = uint32(len(sl.shadow))
	b.BytesUsed = sl.bytesUsed
	b.Flags &^= v4l2.V4L2_BUF_FLAG_MAPPED
	if sl.appMapped {
		b.Flags |= v4l2.V4L2_BUF_FLAG_MAPPED
	}
}

// appPool returns the pool when the application owns it.
func appPool(sess *session) *pool {
	if p := sess.pool; p != nil && p.owner == ownerApp {
		return p
	}
	return nil
}

func noBuffers() error {
	return newError(ErrInvalidState, syscall.EINVAL, "no buffers requested", nil)
}

// requestBuffers handles REQBUFS. A count of zero frees the buffers.
func (s *Shim) requestBuffers(fd int, sess *session, req *v4l2.RequestBuffers) error {
	if p := sess.pool; p != nil {
		if p.owner == ownerApp && p.streaming {
			return newError(ErrBusy, syscall.EBUSY, "buffers are streaming", nil)
		}
		if p.owner == ownerApp && p.appMapped() {
			return newError(ErrBusy, syscall.EBUSY, "buffers are mapped", nil)
		}
		if err := s.release(fd, sess); err != nil {
			return err
		}
	}

	if req.Memory != v4l2.V4L2_MEMORY_MMAP {
		if sess.plan.Convert && req.Count > 0 {
			return newError(ErrInvalidState, syscall.EINVAL, "converted capture requires mmap buffers", nil)
		}
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(req))
	}
	if req.Count == 0 {
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(req))
	}
	return s.allocate(fd, sess, req, ownerApp)
}

// queryBuffer handles QUERYBUF.
func (s *Shim) queryBuffer(fd int, sess *session, b *v4l2.Buffer) error {
	p := appPool(sess)
	if p == nil {
		if sess.pool != nil {
			return noBuffers()
		}
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_QUERYBUF, unsafe.Pointer(b))
	}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_QUERYBUF, unsafe.Pointer(b)); err != nil {
		return err
	}
	if int(b.Index) < len(p.slots) {
		p.present(p.slots[b.Index], b)
	}
	return nil
}

// queueBuffer handles QBUF.
func (s *Shim) queueBuffer(fd int, sess *session, b *v4l2.Buffer) error {
	p := appPool(sess)
	if p == nil {
		if sess.pool != nil {
			return noBuffers()
		}
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_QBUF, unsafe.Pointer(b))
	}
	return s.enqueue(fd, sess, b)
}

// dequeueBuffer handles DQBUF. Kernel failures, including EAGAIN on a
// non-blocking descriptor and EINTR, are returned unchanged.
func (s *Shim) dequeueBuffer(fd int, sess *session, b *v4l2.Buffer) error {
	p := appPool(sess)
	if p == nil {
		if sess.pool != nil {
			return noBuffers()
		}
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_DQBUF, unsafe.Pointer(b))
	}
	sl, err := s.dequeue(fd, sess, b)
	if err != nil {
		return err
	}
	s.observer.FrameDequeued(fd, sess.path, FrameInfo{
		Index:     sl.index,
		Sequence:  b.Sequence,
		BytesUsed: int(sl.bytesUsed),
		Converted: p.convert,
	})
	return nil
}

// streamOn handles STREAMON.
func (s *Shim) streamOn(fd int, sess *session) error {
	p := appPool(sess)
	if p == nil && sess.pool != nil {
		return noBuffers()
	}
	typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return err
	}
	if p != nil {
		p.streaming = true
	}
	return nil
}

// streamOff handles STREAMOFF. Every buffer returns to idle, as the kernel
// drops its queue. Stopping while read() owns the buffers frees them.
func (s *Shim) streamOff(fd int, sess *session) error {
	if sess.pool != nil && sess.pool.owner == ownerReader {
		return s.release(fd, sess)
	}
	typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
		return err
	}
	if p := sess.pool; p != nil {
		p.streaming = false
		for _, sl := range p.slots {
			if sl.state != SlotIdle {
				if err := sl.transition(SlotIdle); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
