//go:build linux

package shim

import (
	"errors"
	"slices"
	"syscall"
	"testing"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/convert"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2/v4l2test"
)

func formatList(t *testing.T, s *Shim, fd int) []v4l2.FormatInfo {
	t.Helper()
	var out []v4l2.FormatInfo
	for info, err := range s.Formats(fd) {
		if err != nil {
			t.Fatalf("Formats failed: %v", err)
		}
		out = append(out, info)
	}
	return out
}

func pixelFormats(infos []v4l2.FormatInfo) []uint32 {
	out := make([]uint32, len(infos))
	for i, info := range infos {
		out[i] = info.PixelFormat
	}
	return out
}

func TestSetFormatNative(t *testing.T) {
	s, _, dev := newTestShim(t, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_MJPEG, v4l2.V4L2_PIX_FMT_YUYV},
		Width:   64,
		Height:  48,
	})
	fd := openDevice(t, s)

	f := mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_YUYV, 32, 24)
	if f.Pix.PixelFormat != v4l2.V4L2_PIX_FMT_YUYV || f.Pix.Width != 32 || f.Pix.Height != 24 {
		t.Errorf("S_FMT returned %+v", f.Pix)
	}

	plan, ok := s.Plan(fd)
	if !ok {
		t.Fatal("no plan for open session")
	}
	if plan.Convert {
		t.Error("native format should not convert")
	}
	if dev.Pix().PixelFormat != v4l2.V4L2_PIX_FMT_YUYV {
		t.Errorf("device format = %s, want YUYV", v4l2.FormatFourCC(dev.Pix().PixelFormat))
	}
}

func TestSetFormatConverted(t *testing.T) {
	s, _, dev := newTestShim(t, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_MJPEG, v4l2.V4L2_PIX_FMT_YUYV},
		Width:   64,
		Height:  48,
	})
	fd := openDevice(t, s)

	f := mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_RGB24, 64, 48)
	if f.Pix.PixelFormat != v4l2.V4L2_PIX_FMT_RGB24 {
		t.Errorf("application sees %s, want RGB3", v4l2.FormatFourCC(f.Pix.PixelFormat))
	}
	if f.Pix.BytesPerLine != 64*3 || f.Pix.SizeImage != 64*48*3 {
		t.Errorf("geometry = %d/%d, want %d/%d", f.Pix.BytesPerLine, f.Pix.SizeImage, 64*3, 64*48*3)
	}

	plan, _ := s.Plan(fd)
	if !plan.Convert || plan.Native.PixelFormat != v4l2.V4L2_PIX_FMT_YUYV {
		t.Errorf("plan = %+v, want conversion from YUYV", plan)
	}
	if dev.Pix().PixelFormat != v4l2.V4L2_PIX_FMT_YUYV {
		t.Errorf("device configured with %s, want YUYV", v4l2.FormatFourCC(dev.Pix().PixelFormat))
	}

	g := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	if err := s.Ioctl(fd, v4l2.VIDIOC_G_FMT, unsafe.Pointer(&g)); err != nil {
		t.Fatalf("G_FMT failed: %v", err)
	}
	if g.Pix != f.Pix {
		t.Errorf("G_FMT = %+v, want %+v", g.Pix, f.Pix)
	}
}

func TestSetFormatUnsupported(t *testing.T) {
	tests := []struct {
		name      string
		flags     Flags
		requested uint32
	}{
		{"conversion disabled", DisableConversion, v4l2.V4L2_PIX_FMT_RGB24},
		{"no route", 0, v4l2.V4L2_PIX_FMT_H264},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, k, dev := newTestShim(t, yuyvDevice())
			fd := adoptDevice(t, s, k, 0, tt.flags)

			_, err := setFormat(s, fd, tt.requested, 16, 8)
			if !errors.Is(err, ErrFormatUnsupported) {
				t.Fatalf("expected ErrFormatUnsupported, got %v", err)
			}
			if !errors.Is(err, syscall.EINVAL) {
				t.Errorf("expected EINVAL errno, got %v", Errno(err))
			}
			if plan, _ := s.Plan(fd); plan.Requested.PixelFormat != v4l2.V4L2_PIX_FMT_YUYV {
				t.Errorf("failed negotiation changed the plan to %+v", plan)
			}
			if dev.Pix().PixelFormat != v4l2.V4L2_PIX_FMT_YUYV {
				t.Errorf("failed negotiation touched the device")
			}
		})
	}
}

func TestTryFormatLeavesDeviceAlone(t *testing.T) {
	s, _, dev := newTestShim(t, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_MJPEG, v4l2.V4L2_PIX_FMT_YUYV},
	})
	fd := openDevice(t, s)

	f := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	f.Pix.PixelFormat = v4l2.V4L2_PIX_FMT_BGR24
	f.Pix.Width, f.Pix.Height = 320, 240
	if err := s.Ioctl(fd, v4l2.VIDIOC_TRY_FMT, unsafe.Pointer(&f)); err != nil {
		t.Fatalf("TRY_FMT failed: %v", err)
	}
	if f.Pix.PixelFormat != v4l2.V4L2_PIX_FMT_BGR24 || f.Pix.SizeImage != 320*240*3 {
		t.Errorf("TRY_FMT returned %+v", f.Pix)
	}
	if dev.Pix().PixelFormat != v4l2.V4L2_PIX_FMT_MJPEG {
		t.Errorf("TRY_FMT changed the device format")
	}
	if plan, _ := s.Plan(fd); plan.Convert {
		t.Errorf("TRY_FMT changed the plan")
	}
}

func TestSetFormatBusyWithBuffers(t *testing.T) {
	s, _, _ := newTestShim(t, yuyvDevice())
	fd := openDevice(t, s)
	if _, err := requestBuffers(s, fd, 2); err != nil {
		t.Fatalf("REQBUFS failed: %v", err)
	}

	_, err := setFormat(s, fd, v4l2.V4L2_PIX_FMT_YUV420, 16, 8)
	if !errors.Is(err, ErrBusy) || !errors.Is(err, syscall.EBUSY) {
		t.Fatalf("expected EBUSY, got %v", err)
	}

	if _, err := requestBuffers(s, fd, 0); err != nil {
		t.Fatalf("REQBUFS 0 failed: %v", err)
	}
	if _, err := setFormat(s, fd, v4l2.V4L2_PIX_FMT_YUV420, 16, 8); err != nil {
		t.Errorf("S_FMT after freeing buffers failed: %v", err)
	}
}

func TestCandidateTieBreak(t *testing.T) {
	tests := []struct {
		name   string
		routes []convert.Route
		want   uint32
	}{
		{
			name: "lower cost wins",
			routes: []convert.Route{
				{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2},
				{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 1, ColorConversion: true},
			},
			want: v4l2.V4L2_PIX_FMT_UYVY,
		},
		{
			name: "no colour conversion wins at equal cost",
			routes: []convert.Route{
				{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2, ColorConversion: true},
				{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2},
			},
			want: v4l2.V4L2_PIX_FMT_UYVY,
		},
		{
			name: "enumeration order breaks full ties",
			routes: []convert.Route{
				{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2},
				{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2},
			},
			want: v4l2.V4L2_PIX_FMT_YUYV,
		},
		{
			name: "routes from formats the device lacks are ignored",
			routes: []convert.Route{
				{Src: v4l2.V4L2_PIX_FMT_NV12, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 1},
				{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 5},
			},
			want: v4l2.V4L2_PIX_FMT_UYVY,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := convert.NewEmptyRegistry()
			for _, rt := range tt.routes {
				reg.Register(rt)
			}
			s, _, dev := newTestShim(t, v4l2test.Config{
				Formats: []uint32{v4l2.V4L2_PIX_FMT_YUYV, v4l2.V4L2_PIX_FMT_UYVY},
			}, WithConverter(reg))
			fd := openDevice(t, s)

			mustSetFormat(t, s, fd, v4l2.V4L2_PIX_FMT_RGB24, 0, 0)
			if got := dev.Pix().PixelFormat; got != tt.want {
				t.Errorf("native = %s, want %s", v4l2.FormatFourCC(got), v4l2.FormatFourCC(tt.want))
			}
		})
	}
}

// substitutingShim returns a shim over a YUYV/UYVY device whose driver
// applies UYVY but reports GREY back, and whose only route to RGB24 starts
// from UYVY.
func substitutingShim(t *testing.T) (*Shim, *hookKernel, *v4l2test.Device) {
	t.Helper()
	k := v4l2test.NewKernel()
	dev := k.AddDevice(testDevice, v4l2test.Config{
		Formats: []uint32{v4l2.V4L2_PIX_FMT_YUYV, v4l2.V4L2_PIX_FMT_UYVY},
		Width:   16,
		Height:  8,
	})
	hk := &hookKernel{Kernel: k}
	hk.after = func(req uint, arg unsafe.Pointer) {
		if f := (*v4l2.Format)(arg); req == v4l2.VIDIOC_S_FMT && f.Pix.PixelFormat == v4l2.V4L2_PIX_FMT_UYVY {
			f.Pix.PixelFormat = v4l2.V4L2_PIX_FMT_GREY
		}
	}
	reg := convert.NewEmptyRegistry()
	reg.Register(convert.Route{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 1})
	s := New(WithKernel(hk), WithConverter(reg), WithLogger(discardLogger()))
	return s, hk, dev
}

func getFormat(t *testing.T, s *Shim, fd int) v4l2.PixFormat {
	t.Helper()
	f := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	if err := s.Ioctl(fd, v4l2.VIDIOC_G_FMT, unsafe.Pointer(&f)); err != nil {
		t.Fatalf("G_FMT failed: %v", err)
	}
	return f.Pix
}

func TestSetFormatSubstitutionRestoresDevice(t *testing.T) {
	s, _, dev := substitutingShim(t)
	fd := openDevice(t, s)

	if _, err := setFormat(s, fd, v4l2.V4L2_PIX_FMT_RGB24, 16, 8); !errors.Is(err, ErrFormatUnsupported) {
		t.Fatalf("expected ErrFormatUnsupported, got %v", err)
	}
	if got := dev.Pix().PixelFormat; got != v4l2.V4L2_PIX_FMT_YUYV {
		t.Errorf("device left on %s, want YUYV", v4l2.FormatFourCC(got))
	}
	if got := getFormat(t, s, fd).PixelFormat; got != v4l2.V4L2_PIX_FMT_YUYV {
		t.Errorf("G_FMT = %s, want YUYV", v4l2.FormatFourCC(got))
	}
}

func TestSetFormatSubstitutionRefreshesPlan(t *testing.T) {
	s, hk, dev := substitutingShim(t)
	fd := openDevice(t, s)

	calls := 0
	hk.ioctl = func(req uint) error {
		if req != v4l2.VIDIOC_S_FMT {
			return nil
		}
		calls++
		if calls > 1 {
			return syscall.EIO
		}
		return nil
	}

	if _, err := setFormat(s, fd, v4l2.V4L2_PIX_FMT_RGB24, 16, 8); !errors.Is(err, ErrFormatUnsupported) {
		t.Fatalf("expected ErrFormatUnsupported, got %v", err)
	}
	if got := dev.Pix().PixelFormat; got != v4l2.V4L2_PIX_FMT_UYVY {
		t.Fatalf("device is on %s, want the substituted UYVY", v4l2.FormatFourCC(got))
	}
	if got := getFormat(t, s, fd); got.PixelFormat != dev.Pix().PixelFormat || got.SizeImage != dev.Pix().SizeImage {
		t.Errorf("G_FMT = %s/%d, want the device's %s/%d", v4l2.FormatFourCC(got.PixelFormat), got.SizeImage,
			v4l2.FormatFourCC(dev.Pix().PixelFormat), dev.Pix().SizeImage)
	}
	if plan, _ := s.Plan(fd); plan.Convert {
		t.Errorf("plan = %+v, want a native plan", plan)
	}
}

func TestFormatsEnumeration(t *testing.T) {
	s, k, _ := newTestShim(t, yuyvDevice())

	plain := openDevice(t, s)
	mustSetFormat(t, s, plain, v4l2.V4L2_PIX_FMT_RGB24, 16, 8)

	got := pixelFormats(formatList(t, s, plain))
	if !slices.Equal(got, []uint32{v4l2.V4L2_PIX_FMT_YUYV}) {
		t.Errorf("default enumeration = %v, want native formats only", got)
	}

	emulated := adoptDevice(t, s, k, 0, EnableEmulatedFormatEnumeration)
	infos := formatList(t, s, emulated)
	want := []uint32{
		v4l2.V4L2_PIX_FMT_YUYV,
		v4l2.V4L2_PIX_FMT_YUV420,
		v4l2.V4L2_PIX_FMT_RGB24,
		v4l2.V4L2_PIX_FMT_BGR24,
	}
	if got := pixelFormats(infos); !slices.Equal(got, want) {
		t.Fatalf("emulated enumeration = %v, want %v", got, want)
	}
	if infos[0].Emulated {
		t.Error("native format flagged as emulated")
	}
	for _, info := range infos[1:] {
		if !info.Emulated {
			t.Errorf("%s should be flagged emulated", v4l2.FormatFourCC(info.PixelFormat))
		}
		if info.FormatName != v4l2.FormatName(info.PixelFormat) {
			t.Errorf("description = %q, want %q", info.FormatName, v4l2.FormatName(info.PixelFormat))
		}
	}

	// A second pass starts over.
	if again := pixelFormats(formatList(t, s, emulated)); !slices.Equal(again, want) {
		t.Errorf("second enumeration = %v, want %v", again, want)
	}

	// Stopping early is honoured.
	n := 0
	for range s.Formats(emulated) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("early break yielded %d formats", n)
	}
}

func TestFormatsEmulationWithConversionDisabled(t *testing.T) {
	s, k, _ := newTestShim(t, yuyvDevice())
	fd := adoptDevice(t, s, k, 0, EnableEmulatedFormatEnumeration|DisableConversion)

	got := pixelFormats(formatList(t, s, fd))
	if !slices.Equal(got, []uint32{v4l2.V4L2_PIX_FMT_YUYV}) {
		t.Errorf("enumeration = %v, want native formats only", got)
	}
}

func TestFormatsReportsKernelErrors(t *testing.T) {
	k := v4l2test.NewKernel()
	k.AddDevice(testDevice, yuyvDevice())
	hk := &hookKernel{Kernel: k}
	s := New(WithKernel(hk), WithLogger(discardLogger()))
	fd := openDevice(t, s)

	hk.ioctl = func(req uint) error {
		if req == v4l2.VIDIOC_ENUM_FMT {
			return syscall.EIO
		}
		return nil
	}

	var errs []error
	for _, err := range s.Formats(fd) {
		errs = append(errs, err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], syscall.EIO) {
		t.Errorf("expected a single EIO, got %v", errs)
	}
}
