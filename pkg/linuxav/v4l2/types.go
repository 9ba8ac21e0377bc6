//go:build linux

package v4l2

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Emulated    bool
}

// Capability flags.
const (
	V4L2_CAP_VIDEO_CAPTURE = 0x00000001
	V4L2_CAP_READWRITE     = 0x01000000
	V4L2_CAP_STREAMING     = 0x04000000
	V4L2_CAP_DEVICE_CAPS   = 0x80000000
)

// Format flags.
const (
	V4L2_FMT_FLAG_COMPRESSED = 0x0001
	V4L2_FMT_FLAG_EMULATED   = 0x0002
)

// Pixel formats.
const (
	V4L2_PIX_FMT_YUYV   = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	V4L2_PIX_FMT_UYVY   = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	V4L2_PIX_FMT_YUV420 = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24
	V4L2_PIX_FMT_YVU420 = 'Y' | 'V'<<8 | '1'<<16 | '2'<<24
	V4L2_PIX_FMT_NV12   = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	V4L2_PIX_FMT_RGB24  = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
	V4L2_PIX_FMT_BGR24  = 'B' | 'G'<<8 | 'R'<<16 | '3'<<24
	V4L2_PIX_FMT_GREY   = 'G' | 'R'<<8 | 'E'<<16 | 'Y'<<24
	V4L2_PIX_FMT_MJPEG  = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	V4L2_PIX_FMT_JPEG   = 'J' | 'P'<<8 | 'E'<<16 | 'G'<<24
	V4L2_PIX_FMT_H264   = 'H' | '2'<<8 | '6'<<16 | '4'<<24
	V4L2_PIX_FMT_HEVC   = 'H' | 'E'<<8 | 'V'<<16 | 'C'<<24
)

// Buffer types.
const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1
)

// Memory types.
const (
	V4L2_MEMORY_MMAP    = 1
	V4L2_MEMORY_USERPTR = 2
	V4L2_MEMORY_DMABUF  = 4
)

// Field order.
const (
	V4L2_FIELD_ANY  = 0
	V4L2_FIELD_NONE = 1
)

// Buffer flags.
const (
	V4L2_BUF_FLAG_MAPPED = 0x00000001
	V4L2_BUF_FLAG_QUEUED = 0x00000002
	V4L2_BUF_FLAG_DONE   = 0x00000004
	V4L2_BUF_FLAG_ERROR  = 0x00000040
)

// Control flags.
const (
	V4L2_CTRL_FLAG_DISABLED  = 0x0001
	V4L2_CTRL_FLAG_GRABBED   = 0x0002
	V4L2_CTRL_FLAG_READ_ONLY = 0x0004
	V4L2_CTRL_FLAG_INACTIVE  = 0x0010
)

// Control ids.
const (
	V4L2_CID_BASE       = 0x00980900
	V4L2_CID_BRIGHTNESS = V4L2_CID_BASE + 0
	V4L2_CID_CONTRAST   = V4L2_CID_BASE + 1
	V4L2_CID_SATURATION = V4L2_CID_BASE + 2
	V4L2_CID_HUE        = V4L2_CID_BASE + 3
	V4L2_CID_GAIN       = V4L2_CID_BASE + 19
)
