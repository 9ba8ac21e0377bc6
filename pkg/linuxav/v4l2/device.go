//go:build linux

package v4l2

import (
	"bytes"
	"unsafe"
)

// QueryCapability issues VIDIOC_QUERYCAP on an open descriptor.
func QueryCapability(k Kernel, fd int) (*Capability, error) {
	c := &Capability{}
	if err := k.Ioctl(fd, VIDIOC_QUERYCAP, unsafe.Pointer(c)); err != nil {
		return nil, err
	}
	return c, nil
}

// EffectiveCaps returns the capabilities of the opened device node, preferring
// device_caps over the whole-driver capabilities when the driver fills it.
func EffectiveCaps(c *Capability) uint32 {
	if c.Capabilities&V4L2_CAP_DEVICE_CAPS != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// IsCaptureDevice reports whether the capabilities describe a video capture node.
func IsCaptureDevice(c *Capability) bool {
	return EffectiveCaps(c)&V4L2_CAP_VIDEO_CAPTURE != 0
}

// DriverName returns the driver field as a Go string.
func (c *Capability) DriverName() string {
	return cstr(c.Driver[:])
}

// CardName returns the card field as a Go string.
func (c *Capability) CardName() string {
	return cstr(c.Card[:])
}

// BusName returns the bus_info field as a Go string.
func (c *Capability) BusName() string {
	return cstr(c.BusInfo[:])
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// SetCString copies s into a fixed-size, null-terminated kernel string field.
func SetCString(dst []byte, s string) {
	clear(dst)
	if len(dst) == 0 {
		return
	}
	copy(dst[:len(dst)-1], s)
}
