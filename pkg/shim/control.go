//go:build linux

package shim

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// ControlMax is the top of the normalized control range.
const ControlMax = 65535

const lockedFlags = v4l2.V4L2_CTRL_FLAG_DISABLED | v4l2.V4L2_CTRL_FLAG_GRABBED | v4l2.V4L2_CTRL_FLAG_READ_ONLY

// controlRange is the native range of one control, cached per session.
type controlRange struct {
	min     int32
	max     int32
	flags   uint32
	missing bool
}

func (r controlRange) locked() bool {
	return r.flags&lockedFlags != 0
}

// toNative maps v in [0, ControlMax] onto [min, max], rounding to nearest.
func (r controlRange) toNative(v int) int32 {
	v = max(0, min(ControlMax, v))
	span := int64(r.max) - int64(r.min)
	return int32(int64(r.min) + (int64(v)*span+ControlMax/2)/ControlMax)
}

// fromNative maps a native value back onto [0, ControlMax].
func (r controlRange) fromNative(native int32) int {
	span := int64(r.max) - int64(r.min)
	if span <= 0 {
		return 0
	}
	v := ((int64(native)-int64(r.min))*ControlMax + span/2) / span
	return int(max(0, min(ControlMax, v)))
}

func (s *Shim) controlRange(fd int, sess *session, id uint32) (controlRange, error) {
	if r, ok := sess.controls[id]; ok {
		return r, nil
	}

	q := v4l2.QueryCtrl{ID: id}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_QUERYCTRL, unsafe.Pointer(&q)); err != nil {
		if !errors.Is(err, syscall.EINVAL) {
			return controlRange{}, err
		}
		r := controlRange{missing: true}
		sess.controls[id] = r
		return r, nil
	}

	r := controlRange{min: q.Minimum, max: q.Maximum, flags: q.Flags}
	sess.controls[id] = r
	return r, nil
}

// SetControl sets control id from a value in [0, ControlMax]. Missing and
// locked controls are skipped without error; only other failures, such as
// device I/O errors, are returned.
func (s *Shim) SetControl(fd int, id uint32, value int) error {
	sess, ok := s.registry.get(fd)
	if !ok {
		return syscall.EBADF
	}

	r, err := s.controlRange(fd, sess, id)
	if err != nil {
		return err
	}
	if r.missing || r.locked() {
		s.logger.Debug("Control skipped", "fd", fd, "id", id, "missing", r.missing, "flags", r.flags)
		return nil
	}

	c := v4l2.Control{ID: id, Value: r.toNative(value)}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_S_CTRL, unsafe.Pointer(&c)); err != nil {
		switch {
		case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EACCES):
			s.logger.Debug("Control not applied", "fd", fd, "id", id, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// GetControl returns control id scaled to [0, ControlMax]. Missing, disabled
// and unreadable controls all read as 0.
func (s *Shim) GetControl(fd int, id uint32) int {
	sess, ok := s.registry.get(fd)
	if !ok {
		return 0
	}

	r, err := s.controlRange(fd, sess, id)
	if err != nil || r.missing || r.flags&v4l2.V4L2_CTRL_FLAG_DISABLED != 0 {
		return 0
	}

	c := v4l2.Control{ID: id}
	if err := s.kernel.Ioctl(fd, v4l2.VIDIOC_G_CTRL, unsafe.Pointer(&c)); err != nil {
		s.logger.Debug("Control unreadable", "fd", fd, "id", id, "error", err)
		return 0
	}
	return r.fromNative(c.Value)
}
