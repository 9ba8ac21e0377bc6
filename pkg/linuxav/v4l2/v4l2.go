//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API
// for capture devices: struct layouts, ioctl request codes, pixel format
// helpers and the syscall surface the shim drives.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Kernel surface
//
// All device access goes through the Kernel interface. SysKernel issues
// real system calls; tests substitute v4l2test.Kernel:
//
//	k := v4l2.NewSysKernel()
//	fd, _ := k.Open("/dev/video0", unix.O_RDWR, 0)
//	caps, _ := v4l2.QueryCapability(k, fd)
//	fmt.Println(caps.CardName(), v4l2.EffectiveCaps(caps)&v4l2.V4L2_CAP_STREAMING != 0)
//
// # Format Queries
//
// Enumerate the native formats of an open descriptor:
//
//	formats, _ := v4l2.EnumFormats(k, fd)
//	for _, f := range formats {
//	    fmt.Printf("%s: %s\n", v4l2.FormatFourCC(f.PixelFormat), f.FormatName)
//	}
//
// # Frame Geometry
//
// FrameGeometry computes bytesperline and sizeimage for the formats the
// converters understand, which is how shadow buffers get sized:
//
//	bpl, size := v4l2.FrameGeometry(v4l2.V4L2_PIX_FMT_RGB24, 640, 480)
package v4l2
