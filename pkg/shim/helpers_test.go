//go:build linux

package shim

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2/v4l2test"
)

const testDevice = "/dev/video0"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hookKernel lets a test inject failures into the simulated kernel.
type hookKernel struct {
	*v4l2test.Kernel
	ioctl  func(req uint) error
	after  func(req uint, arg unsafe.Pointer)
	munmap error
}

func (h *hookKernel) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	if h.ioctl != nil {
		if err := h.ioctl(req); err != nil {
			return err
		}
	}
	if err := h.Kernel.Ioctl(fd, req, arg); err != nil {
		return err
	}
	if h.after != nil {
		h.after(req, arg)
	}
	return nil
}

func (h *hookKernel) Munmap(b []byte) error {
	if h.munmap != nil {
		return h.munmap
	}
	return h.Kernel.Munmap(b)
}

type recorder struct {
	mu         sync.Mutex
	opened     []int
	closed     []int
	plans      []FormatPlan
	frames     []FrameInfo
	paths      []string
	convErrors int
}

func (r *recorder) SessionOpened(fd int, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, fd)
}

func (r *recorder) SessionClosed(fd int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, fd)
}

func (r *recorder) FormatNegotiated(_ int, _ string, plan FormatPlan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, plan)
}

func (r *recorder) FrameDequeued(_ int, path string, frame FrameInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.paths = append(r.paths, path)
}

func (r *recorder) ConversionFailed(int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convErrors++
}

func newTestShim(t *testing.T, cfg v4l2test.Config, opts ...Option) (*Shim, *v4l2test.Kernel, *v4l2test.Device) {
	t.Helper()
	k := v4l2test.NewKernel()
	dev := k.AddDevice(testDevice, cfg)
	s := New(append([]Option{WithKernel(k), WithLogger(discardLogger())}, opts...)...)
	return s, k, dev
}

// adoptDevice opens the device directly and wraps it with flags.
func adoptDevice(t *testing.T, s *Shim, k *v4l2test.Kernel, oflag int, flags Flags) int {
	t.Helper()
	raw, err := k.Open(testDevice, oflag, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fd, err := s.FdOpen(raw, flags)
	if err != nil {
		t.Fatalf("FdOpen failed: %v", err)
	}
	return fd
}

func openDevice(t *testing.T, s *Shim) int {
	t.Helper()
	fd, err := s.Open(testDevice, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return fd
}

func setFormat(s *Shim, fd int, pixfmt, width, height uint32) (v4l2.Format, error) {
	f := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	f.Pix.PixelFormat = pixfmt
	f.Pix.Width = width
	f.Pix.Height = height
	err := s.Ioctl(fd, v4l2.VIDIOC_S_FMT, unsafe.Pointer(&f))
	return f, err
}

func mustSetFormat(t *testing.T, s *Shim, fd int, pixfmt, width, height uint32) v4l2.Format {
	t.Helper()
	f, err := setFormat(s, fd, pixfmt, width, height)
	if err != nil {
		t.Fatalf("S_FMT %s failed: %v", v4l2.FormatFourCC(pixfmt), err)
	}
	return f
}

func requestBuffers(s *Shim, fd int, count uint32) (uint32, error) {
	req := v4l2.RequestBuffers{
		Count:  count,
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	err := s.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(&req))
	return req.Count, err
}

func captureBuffer(index uint32) v4l2.Buffer {
	return v4l2.Buffer{
		Index:  index,
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
}

func queryBuffer(s *Shim, fd int, index uint32) (v4l2.Buffer, error) {
	b := captureBuffer(index)
	err := s.Ioctl(fd, v4l2.VIDIOC_QUERYBUF, unsafe.Pointer(&b))
	return b, err
}

func queueBuffer(s *Shim, fd int, index uint32) error {
	b := captureBuffer(index)
	return s.Ioctl(fd, v4l2.VIDIOC_QBUF, unsafe.Pointer(&b))
}

func dequeueBuffer(s *Shim, fd int) (v4l2.Buffer, error) {
	b := captureBuffer(0)
	err := s.Ioctl(fd, v4l2.VIDIOC_DQBUF, unsafe.Pointer(&b))
	return b, err
}

func stream(s *Shim, fd int, on bool) error {
	typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	req := uint(v4l2.VIDIOC_STREAMOFF)
	if on {
		req = v4l2.VIDIOC_STREAMON
	}
	return s.Ioctl(fd, req, unsafe.Pointer(&typ))
}

// startStreaming allocates count buffers, queues all of them and starts streaming.
func startStreaming(t *testing.T, s *Shim, fd int, count uint32) {
	t.Helper()
	got, err := requestBuffers(s, fd, count)
	if err != nil {
		t.Fatalf("REQBUFS failed: %v", err)
	}
	if got != count {
		t.Fatalf("REQBUFS granted %d buffers, want %d", got, count)
	}
	for i := uint32(0); i < count; i++ {
		if err := queueBuffer(s, fd, i); err != nil {
			t.Fatalf("QBUF %d failed: %v", i, err)
		}
	}
	if err := stream(s, fd, true); err != nil {
		t.Fatalf("STREAMON failed: %v", err)
	}
}

func slotStates(s *Shim, fd int) []SlotState {
	sess, ok := s.registry.get(fd)
	if !ok || sess.pool == nil {
		return nil
	}
	out := make([]SlotState, len(sess.pool.slots))
	for i, sl := range sess.pool.slots {
		out[i] = sl.state
	}
	return out
}

func countCalls(k *v4l2test.Kernel, req uint) int {
	n := 0
	for _, c := range k.Calls() {
		if c.Req == req {
			n++
		}
	}
	return n
}
