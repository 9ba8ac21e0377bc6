//go:build linux

package shim

import (
	"bytes"
	"errors"
	"syscall"
	"testing"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/convert"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2/v4l2test"
)

type failingConverter struct {
	*convert.Registry
}

func (failingConverter) Convert([]byte, v4l2.PixFormat, []byte, v4l2.PixFormat) (int, error) {
	return 0, errors.New("corrupt frame")
}

func TestSlotTransitions(t *testing.T) {
	tests := []struct {
		from  SlotState
		to    SlotState
		legal bool
	}{
		{SlotIdle, SlotQueued, true},
		{SlotIdle, SlotHeld, false},
		{SlotIdle, SlotFilled, false},
		{SlotQueued, SlotFilled, true},
		{SlotQueued, SlotHeld, false},
		{SlotQueued, SlotQueued, false},
		{SlotFilled, SlotConverted, true},
		{SlotFilled, SlotHeld, true},
		{SlotFilled, SlotQueued, false},
		{SlotConverted, SlotHeld, true},
		{SlotConverted, SlotQueued, false},
		{SlotHeld, SlotQueued, true},
		{SlotHeld, SlotFilled, false},
		{SlotHeld, SlotIdle, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			sl := &slot{state: tt.from}
			err := sl.transition(tt.to)
			if tt.legal && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.legal {
				if !errors.Is(err, ErrInvalidState) {
					t.Errorf("expected ErrInvalidState, got %v", err)
				}
				if sl.state != tt.from {
					t.Errorf("illegal transition changed state to %s", sl.state)
				}
			}
		})
	}
}

// TestConvertedStreaming walks one converted buffer through its lifecycle:
// four buffers queued, one dequeued into the shadow buffer, then requeued.
func TestConvertedStreaming(t *testing.T) {
	s, _, dev := newTestShim(t, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_YUYV},
		Width:   8,
		Height:  4,
	})
	fd := openDevice(t, s)

	f := mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_YUV420, 8, 4)
	plan, _ := s.Plan(fd)

	startStreaming(t, s, fd, 4)
	for i, st := range slotStates(s, fd) {
		if st != SlotQueued {
			t.Fatalf("slot %d is %s after QBUF, want queued", i, st)
		}
	}

	b0, err := queryBuffer(s, fd, 0)
	if err != nil {
		t.Fatalf("QUERYBUF failed: %v", err)
	}
	if b0.Offset != shadowOffsetMagic || b0.Length != f.Pix.SizeImage {
		t.Fatalf("QUERYBUF = offset %#x length %d, want %#x / %d", b0.Offset, b0.Length, shadowOffsetMagic, f.Pix.SizeImage)
	}
	if b0.Flags&v4l2.V4L2_BUF_FLAG_QUEUED == 0 {
		t.Errorf("QUERYBUF flags %#x lack QUEUED", b0.Flags)
	}
	shadow, err := s.Mmap(fd, int64(b0.Offset), int(b0.Length), 0, 0)
	if err != nil {
		t.Fatalf("Mmap of shadow buffer failed: %v", err)
	}
	again, err := s.Mmap(fd, int64(b0.Offset), int(b0.Length), 0, 0)
	if err != nil || &again[0] != &shadow[0] {
		t.Errorf("mapping the same buffer twice should return the same memory")
	}

	b, err := dequeueBuffer(s, fd)
	if err != nil {
		t.Fatalf("DQBUF failed: %v", err)
	}
	if b.Index != 0 {
		t.Fatalf("dequeued buffer %d, want 0", b.Index)
	}
	if b.BytesUsed != f.Pix.SizeImage || b.Offset != shadowOffset(0) {
		t.Errorf("DQBUF = bytesused %d offset %#x", b.BytesUsed, b.Offset)
	}
	if b.Flags&v4l2.V4L2_BUF_FLAG_MAPPED == 0 {
		t.Errorf("DQBUF flags %#x lack MAPPED", b.Flags)
	}

	want := make([]byte, f.Pix.SizeImage)
	if _, err := convert.NewRegistry().Convert(dev.Frame(0, plan.Native), plan.Native, want, plan.Requested); err != nil {
		t.Fatalf("reference conversion failed: %v", err)
	}
	if !bytes.Equal(shadow, want) {
		t.Errorf("shadow buffer does not hold the converted frame")
	}

	states := slotStates(s, fd)
	if states[0] != SlotHeld {
		t.Errorf("dequeued slot is %s, want held", states[0])
	}
	for i := 1; i < 4; i++ {
		if states[i] != SlotQueued {
			t.Errorf("slot %d is %s, want queued", i, states[i])
		}
	}

	if err := queueBuffer(s, fd, 0); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if got := slotStates(s, fd)[0]; got != SlotQueued {
		t.Errorf("requeued slot is %s, want queued", got)
	}
}

func TestEnqueueRequiresIdleOrHeld(t *testing.T) {
	s, k, _ := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)

	if _, err := requestBuffers(s, fd, 2); err != nil {
		t.Fatalf("REQBUFS failed: %v", err)
	}
	if err := queueBuffer(s, fd, 0); err != nil {
		t.Fatalf("QBUF failed: %v", err)
	}
	before := countCalls(k, v4l2.VIDIOC_QBUF)

	err := queueBuffer(s, fd, 0)
	if !errors.Is(err, ErrInvalidState) || !errors.Is(err, syscall.EINVAL) {
		t.Errorf("double QBUF = %v, want ErrInvalidState/EINVAL", err)
	}
	if countCalls(k, v4l2.VIDIOC_QBUF) != before {
		t.Errorf("rejected QBUF reached the kernel")
	}

	if err := queueBuffer(s, fd, 7); !errors.Is(err, ErrInvalidState) {
		t.Errorf("QBUF out of range = %v, want ErrInvalidState", err)
	}
}

func TestDequeueNonBlocking(t *testing.T) {
	s, k, dev := newTestShim(t, yuyvDevice())
	fd := adoptDevice(t, s, k, syscall.O_NONBLOCK, 0)
	startStreaming(t, s, fd, 2)

	dev.SetStarved(true)
	if _, err := dequeueBuffer(s, fd); err != syscall.EAGAIN {
		t.Errorf("DQBUF on starved non-blocking fd = %v, want EAGAIN verbatim", err)
	}
	for i, st := range slotStates(s, fd) {
		if st != SlotQueued {
			t.Errorf("slot %d is %s after failed DQBUF", i, st)
		}
	}

	dev.SetStarved(false)
	dev.FailNextDequeue(syscall.EINTR)
	if _, err := dequeueBuffer(s, fd); err != syscall.EINTR {
		t.Errorf("interrupted DQBUF = %v, want EINTR verbatim", err)
	}
	if _, err := dequeueBuffer(s, fd); err != nil {
		t.Errorf("DQBUF after interruption failed: %v", err)
	}
}

func TestConversionFailureReturnsSlotToIdle(t *testing.T) {
	rec := &recorder{}
	s, _, _ := newTestShim(t, yuyvDevice(),
		WithConverter(failingConverter{convert.NewRegistry()}),
		WithObserver(rec))
	fd := openDevice(t, s)
	mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_RGB24, 16, 8)
	startStreaming(t, s, fd, 2)

	_, err := dequeueBuffer(s, fd)
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if Errno(err) != syscall.EIO {
		t.Errorf("errno = %v, want EIO", Errno(err))
	}
	if got := slotStates(s, fd)[0]; got != SlotIdle {
		t.Errorf("failed slot is %s, want idle", got)
	}
	if rec.convErrors != 1 {
		t.Errorf("observer saw %d conversion failures, want 1", rec.convErrors)
	}
	if err := queueBuffer(s, fd, 0); err != nil {
		t.Errorf("failed slot could not be requeued: %v", err)
	}
}

type panickingConverter struct {
	*convert.Registry
}

func (panickingConverter) Convert(_ []byte, _ v4l2.PixFormat, dst []byte, _ v4l2.PixFormat) (int, error) {
	return int(dst[len(dst)]), nil
}

func TestConverterPanicReturnsSlotToIdle(t *testing.T) {
	s, _, _ := newTestShim(t, yuyvDevice(), WithConverter(panickingConverter{convert.NewRegistry()}))
	fd := openDevice(t, s)
	mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_RGB24, 16, 8)
	startStreaming(t, s, fd, 2)

	_, err := dequeueBuffer(s, fd)
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if got := slotStates(s, fd)[0]; got != SlotIdle {
		t.Errorf("failed slot is %s, want idle", got)
	}
}

func TestConvertedStreamingOddHeight(t *testing.T) {
	s, _, dev := newTestShim(t, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_YUYV},
		Width:   6,
		Height:  5,
	})
	fd := openDevice(t, s)

	f := mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_YUV420, 6, 5)
	if f.Pix.SizeImage != 48 {
		t.Fatalf("sizeimage = %d, want 48", f.Pix.SizeImage)
	}
	plan, _ := s.Plan(fd)
	startStreaming(t, s, fd, 2)

	b, err := dequeueBuffer(s, fd)
	if err != nil {
		t.Fatalf("DQBUF failed: %v", err)
	}
	if b.BytesUsed != f.Pix.SizeImage {
		t.Errorf("bytesused = %d, want %d", b.BytesUsed, f.Pix.SizeImage)
	}
	if got := slotStates(s, fd)[b.Index]; got != SlotHeld {
		t.Errorf("dequeued slot is %s, want held", got)
	}

	shadow, err := s.Mmap(fd, int64(b.Offset), int(b.Length), 0, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	want := make([]byte, f.Pix.SizeImage)
	if _, err := convert.NewRegistry().Convert(dev.Frame(0, plan.Native), plan.Native, want, plan.Requested); err != nil {
		t.Fatalf("reference conversion failed: %v", err)
	}
	if !bytes.Equal(shadow[:b.BytesUsed], want) {
		t.Errorf("shadow buffer does not hold the converted frame")
	}
}

func TestStreamOffReturnsSlotsToIdle(t *testing.T) {
	s, _, dev := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)
	startStreaming(t, s, fd, 3)
	if _, err := dequeueBuffer(s, fd); err != nil {
		t.Fatalf("DQBUF failed: %v", err)
	}

	if err := stream(s, fd, false); err != nil {
		t.Fatalf("STREAMOFF failed: %v", err)
	}
	for i, st := range slotStates(s, fd) {
		if st != SlotIdle {
			t.Errorf("slot %d is %s after STREAMOFF", i, st)
		}
	}
	if dev.Streaming() || dev.Queued() != 0 {
		t.Errorf("device still streaming")
	}
}

func TestRequestBuffersBusy(t *testing.T) {
	s, _, _ := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)
	startStreaming(t, s, fd, 2)

	if _, err := requestBuffers(s, fd, 4); !errors.Is(err, syscall.EBUSY) {
		t.Errorf("REQBUFS while streaming = %v, want EBUSY", err)
	}

	if err := stream(s, fd, false); err != nil {
		t.Fatalf("STREAMOFF failed: %v", err)
	}
	b, err := queryBuffer(s, fd, 0)
	if err != nil {
		t.Fatalf("QUERYBUF failed: %v", err)
	}
	mem, err := s.Mmap(fd, int64(b.Offset), int(b.Length), 0, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if _, err := requestBuffers(s, fd, 4); !errors.Is(err, syscall.EBUSY) {
		t.Errorf("REQBUFS while mapped = %v, want EBUSY", err)
	}

	if err := s.Munmap(mem); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	if n, err := requestBuffers(s, fd, 4); err != nil || n != 4 {
		t.Errorf("REQBUFS after unmap = %d, %v", n, err)
	}
}

func TestRequestBuffersKernelGrantsFewer(t *testing.T) {
	s, _, _ := newTestShim(t, v4l2test.Config{
		Formats:    []uint32{v4l2.V4L2_PIX_FMT_YUYV},
		Width:      16,
		Height:     8,
		MaxBuffers: 2,
	})
	fd := openDevice(t, s)
	mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_YUV420, 16, 8)

	n, err := requestBuffers(s, fd, 6)
	if err != nil {
		t.Fatalf("REQBUFS failed: %v", err)
	}
	if n != 2 || len(slotStates(s, fd)) != 2 {
		t.Errorf("granted %d buffers with %d slots, want 2", n, len(slotStates(s, fd)))
	}
	if _, err := queryBuffer(s, fd, 2); err == nil {
		t.Errorf("QUERYBUF beyond the granted count should fail")
	}
}

func TestConvertedCaptureRequiresMmap(t *testing.T) {
	s, _, _ := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)
	mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_RGB24, 16, 8)

	req := v4l2.RequestBuffers{
		Count:  2,
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_USERPTR,
	}
	if err := s.Ioctl(fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(&req)); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("USERPTR with conversion = %v, want EINVAL", err)
	}
}

func TestNativeMmapIsShared(t *testing.T) {
	s, _, dev := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)
	startStreaming(t, s, fd, 2)

	b, err := queryBuffer(s, fd, 1)
	if err != nil {
		t.Fatalf("QUERYBUF failed: %v", err)
	}
	first, err := s.Mmap(fd, int64(b.Offset), int(b.Length), 0, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	second, err := s.Mmap(fd, int64(b.Offset), int(b.Length), 0, 0)
	if err != nil {
		t.Fatalf("second Mmap failed: %v", err)
	}
	if &first[0] != &second[0] || dev.Mapped() != 1 {
		t.Errorf("expected one shared mapping, device has %d", dev.Mapped())
	}

	// Frame 0 lands in buffer 0; frame 1 in buffer 1.
	for i := 0; i < 2; i++ {
		if _, err := dequeueBuffer(s, fd); err != nil {
			t.Fatalf("DQBUF failed: %v", err)
		}
	}
	if !bytes.Equal(first, dev.Frame(1, dev.Pix())) {
		t.Errorf("mapped buffer does not hold frame 1")
	}
}
