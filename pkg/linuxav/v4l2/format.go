//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

// EnumFormats returns all pixel formats the driver reports for video capture.
func EnumFormats(k Kernel, fd int) ([]FormatInfo, error) {
	var formats []FormatInfo

	for i := uint32(0); ; i++ {
		fmtdesc := FmtDesc{
			Index: i,
			Type:  V4L2_BUF_TYPE_VIDEO_CAPTURE,
		}

		if ioctlErr := k.Ioctl(fd, VIDIOC_ENUM_FMT, unsafe.Pointer(&fmtdesc)); ioctlErr != nil {
			if errors.Is(ioctlErr, syscall.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, ioctlErr)
		}

		formats = append(formats, fmtdesc.Info())
	}

	return formats, nil
}

// Info converts an ENUM_FMT result to a FormatInfo.
func (d *FmtDesc) Info() FormatInfo {
	return FormatInfo{
		PixelFormat: d.PixelFormat,
		FormatName:  cstr(d.Description[:]),
		Emulated:    d.Flags&V4L2_FMT_FLAG_EMULATED != 0,
	}
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// ParseFourCC converts a four character code such as "YUYV" to its pixel format value.
func ParseFourCC(s string) (uint32, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("fourcc %q must be exactly 4 characters", s)
	}
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24, nil
}

var formatNames = map[uint32]string{
	V4L2_PIX_FMT_YUYV:   "YUYV 4:2:2",
	V4L2_PIX_FMT_UYVY:   "UYVY 4:2:2",
	V4L2_PIX_FMT_YUV420: "Planar YUV 4:2:0",
	V4L2_PIX_FMT_YVU420: "Planar YVU 4:2:0",
	V4L2_PIX_FMT_NV12:   "Y/UV 4:2:0",
	V4L2_PIX_FMT_RGB24:  "24-bit RGB 8-8-8",
	V4L2_PIX_FMT_BGR24:  "24-bit BGR 8-8-8",
	V4L2_PIX_FMT_GREY:   "8-bit Greyscale",
	V4L2_PIX_FMT_MJPEG:  "Motion-JPEG",
	V4L2_PIX_FMT_JPEG:   "JFIF JPEG",
	V4L2_PIX_FMT_H264:   "H.264",
	V4L2_PIX_FMT_HEVC:   "HEVC",
}

// FormatName returns the kernel style description of a pixel format,
// falling back to the fourcc itself.
func FormatName(format uint32) string {
	if name, ok := formatNames[format]; ok {
		return name
	}
	return FormatFourCC(format)
}

// IsCompressed reports whether frames of this format have a variable size.
func IsCompressed(format uint32) bool {
	switch format {
	case V4L2_PIX_FMT_MJPEG, V4L2_PIX_FMT_JPEG, V4L2_PIX_FMT_H264, V4L2_PIX_FMT_HEVC:
		return true
	}
	return false
}

// FrameGeometry returns bytesperline and sizeimage for a frame of the given
// format and dimensions. Compressed formats report a zero stride and a
// worst-case image size.
func FrameGeometry(format, width, height uint32) (bytesPerLine, sizeImage uint32) {
	switch format {
	case V4L2_PIX_FMT_YUYV, V4L2_PIX_FMT_UYVY:
		bytesPerLine = width * 2
		sizeImage = bytesPerLine * height
	case V4L2_PIX_FMT_RGB24, V4L2_PIX_FMT_BGR24:
		bytesPerLine = width * 3
		sizeImage = bytesPerLine * height
	case V4L2_PIX_FMT_GREY:
		bytesPerLine = width
		sizeImage = width * height
	case V4L2_PIX_FMT_YUV420, V4L2_PIX_FMT_YVU420, V4L2_PIX_FMT_NV12:
		bytesPerLine = width
		sizeImage = width*height + 2*ChromaPlaneSize(width, height)
	default:
		sizeImage = width * height * 2
	}
	return bytesPerLine, sizeImage
}

// ChromaPlaneSize is the size of one 4:2:0 chroma plane. Odd dimensions
// round up so the last row and column keep their chroma sample.
func ChromaPlaneSize(width, height uint32) uint32 {
	return ((width + 1) / 2) * ((height + 1) / 2)
}

// Fill completes bytesperline and sizeimage from width, height and pixel format.
func (p *PixFormat) Fill() {
	p.BytesPerLine, p.SizeImage = FrameGeometry(p.PixelFormat, p.Width, p.Height)
}
