//go:build linux

package shim

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/convert"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// nativeFormats returns the formats the hardware emits, enumerated once per session.
func (s *Shim) nativeFormats(fd int, sess *session) ([]v4l2.FormatInfo, error) {
	if sess.natives != nil {
		return sess.natives, nil
	}
	natives, err := v4l2.EnumFormats(s.kernel, fd)
	if err != nil {
		return nil, err
	}
	if natives == nil {
		natives = []v4l2.FormatInfo{}
	}
	sess.natives = natives
	return natives, nil
}

func nativeIndex(natives []v4l2.FormatInfo, pixfmt uint32) int {
	return slices.IndexFunc(natives, func(fi v4l2.FormatInfo) bool {
		return fi.PixelFormat == pixfmt
	})
}

// candidates returns the native formats that can be converted into
// requested, cheapest first. Ties prefer routes without colour space
// conversion, then the device's own enumeration order.
func (s *Shim) candidates(natives []v4l2.FormatInfo, requested uint32) []convert.Candidate {
	var out []convert.Candidate
	for _, c := range s.conv.SupportedNativeFormats(requested) {
		if nativeIndex(natives, c.Native) >= 0 {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b convert.Candidate) int {
		if c := cmp.Compare(a.Cost, b.Cost); c != 0 {
			return c
		}
		if a.ColorConversion != b.ColorConversion {
			if a.ColorConversion {
				return 1
			}
			return -1
		}
		return cmp.Compare(nativeIndex(natives, a.Native), nativeIndex(natives, b.Native))
	})
	return out
}

// negotiate resolves the requested format in f against the hardware. f is
// updated to what the application would receive. With set, the device is
// configured through S_FMT, otherwise it is only probed with TRY_FMT.
func (s *Shim) negotiate(fd int, sess *session, f *v4l2.Format, set bool) (FormatPlan, error) {
	req := uint(v4l2.VIDIOC_TRY_FMT)
	if set {
		req = v4l2.VIDIOC_S_FMT
	}

	natives, err := s.nativeFormats(fd, sess)
	if err != nil {
		return FormatPlan{}, err
	}

	requested := f.Pix
	if nativeIndex(natives, requested.PixelFormat) >= 0 {
		kf := *f
		if err := s.kernel.Ioctl(fd, req, unsafe.Pointer(&kf)); err != nil {
			return FormatPlan{}, err
		}
		*f = kf
		return FormatPlan{Requested: kf.Pix, Native: kf.Pix}, nil
	}

	name := v4l2.FormatFourCC(requested.PixelFormat)
	if !sess.conversionEnabled() {
		return FormatPlan{}, newError(ErrFormatUnsupported, syscall.EINVAL,
			fmt.Sprintf("%s is not native and conversion is disabled", name), nil)
	}

	// A driver that substitutes a candidate has still been reconfigured by
	// S_FMT, so a failed negotiation puts the session's format back.
	reconfigured := false
	fail := func(err error) (FormatPlan, error) {
		if reconfigured {
			s.restoreFormat(fd, sess)
		}
		return FormatPlan{}, err
	}

	for _, c := range s.candidates(natives, requested.PixelFormat) {
		kf := *f
		kf.Pix.PixelFormat = c.Native
		kf.Pix.BytesPerLine = 0
		kf.Pix.SizeImage = 0
		if err := s.kernel.Ioctl(fd, req, unsafe.Pointer(&kf)); err != nil {
			return fail(err)
		}
		if kf.Pix.PixelFormat != c.Native {
			reconfigured = reconfigured || set
			continue
		}

		out := kf.Pix
		out.PixelFormat = requested.PixelFormat
		out.Fill()
		f.Pix = out
		return FormatPlan{Requested: out, Native: kf.Pix, Convert: true}, nil
	}

	return fail(newError(ErrFormatUnsupported, syscall.EINVAL,
		fmt.Sprintf("%s is neither native nor convertible", name), nil))
}

// restoreFormat sets the session's native format on the device again. When
// the driver does not take it back, the plan is reset to whatever the device
// now reports so G_FMT stays truthful.
func (s *Shim) restoreFormat(fd int, sess *session) {
	prev := sess.plan.Native
	f := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE, Pix: prev}
	err := s.kernel.Ioctl(fd, v4l2.VIDIOC_S_FMT, unsafe.Pointer(&f))
	if err == nil && f.Pix.PixelFormat == prev.PixelFormat &&
		f.Pix.Width == prev.Width && f.Pix.Height == prev.Height {
		return
	}

	g := v4l2.Format{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
	if gerr := s.kernel.Ioctl(fd, v4l2.VIDIOC_G_FMT, unsafe.Pointer(&g)); gerr != nil {
		s.logger.Warn("Failed to query format after restore", "fd", fd, "error", gerr)
		return
	}
	s.logger.Warn("Device format changed by failed negotiation",
		"fd", fd,
		"previous", v4l2.FormatFourCC(prev.PixelFormat),
		"current", v4l2.FormatFourCC(g.Pix.PixelFormat),
		"error", err)
	sess.plan = FormatPlan{Requested: g.Pix, Native: g.Pix}
	sess.scratch, sess.frame = nil, nil
}

// setFormat handles S_FMT. The format cannot change while the application
// holds buffers; a read() pool is dropped implicitly.
func (s *Shim) setFormat(fd int, sess *session, f *v4l2.Format) error {
	if p := sess.pool; p != nil {
		if p.owner == ownerApp {
			return newError(ErrBusy, syscall.EBUSY, "buffers are allocated", nil)
		}
		if err := s.release(fd, sess); err != nil {
			return err
		}
	}

	plan, err := s.negotiate(fd, sess, f, true)
	if err != nil {
		return err
	}
	sess.plan = plan
	sess.scratch, sess.frame = nil, nil

	s.logger.Debug("Format negotiated",
		"fd", fd,
		"requested", v4l2.FormatFourCC(plan.Requested.PixelFormat),
		"native", v4l2.FormatFourCC(plan.Native.PixelFormat),
		"width", plan.Requested.Width,
		"height", plan.Requested.Height,
		"convert", plan.Convert)
	s.observer.FormatNegotiated(fd, sess.path, plan)
	return nil
}

// emulatedFormats lists formats reachable only through conversion.
func (s *Shim) emulatedFormats(sess *session, natives []v4l2.FormatInfo) []uint32 {
	if !sess.conversionEnabled() {
		return nil
	}
	var out []uint32
	for _, dst := range s.conv.Destinations() {
		if nativeIndex(natives, dst) >= 0 {
			continue
		}
		if len(s.candidates(natives, dst)) > 0 {
			out = append(out, dst)
		}
	}
	return out
}

// enumFormat handles ENUM_FMT. Emulated formats follow the native ones when
// the session enables them.
func (s *Shim) enumFormat(fd int, sess *session, desc *v4l2.FmtDesc) error {
	if desc.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || sess.flags&EnableEmulatedFormatEnumeration == 0 {
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_ENUM_FMT, unsafe.Pointer(desc))
	}

	natives, err := s.nativeFormats(fd, sess)
	if err != nil {
		return err
	}
	if int(desc.Index) < len(natives) {
		return s.kernel.Ioctl(fd, v4l2.VIDIOC_ENUM_FMT, unsafe.Pointer(desc))
	}

	emulated := s.emulatedFormats(sess, natives)
	i := int(desc.Index) - len(natives)
	if i >= len(emulated) {
		return syscall.EINVAL
	}
	*desc = v4l2.FmtDesc{
		Index:       desc.Index,
		Type:        desc.Type,
		Flags:       v4l2.V4L2_FMT_FLAG_EMULATED,
		PixelFormat: emulated[i],
	}
	v4l2.SetCString(desc.Description[:], v4l2.FormatName(emulated[i]))
	return nil
}

// Formats enumerates the capture formats fd offers, exactly as ENUM_FMT
// reports them. Each iteration starts a fresh enumeration.
func (s *Shim) Formats(fd int) iter.Seq2[v4l2.FormatInfo, error] {
	return func(yield func(v4l2.FormatInfo, error) bool) {
		for i := uint32(0); ; i++ {
			desc := v4l2.FmtDesc{Index: i, Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE}
			if err := s.Ioctl(fd, v4l2.VIDIOC_ENUM_FMT, unsafe.Pointer(&desc)); err != nil {
				if !errors.Is(err, syscall.EINVAL) {
					yield(v4l2.FormatInfo{}, err)
				}
				return
			}
			if !yield(desc.Info(), nil) {
				return
			}
		}
	}
}
