//go:build linux && (amd64 || arm64)

package v4l2

import "unsafe"

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(FmtDesc{})]byte{}
	_ [48]byte  = [unsafe.Sizeof(PixFormat{})]byte{}
	_ [208]byte = [unsafe.Sizeof(Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(RequestBuffers{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(Timecode{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(Buffer{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(Control{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(QueryCtrl{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	VIDIOC_QUERYCAP  = 0x80685600
	VIDIOC_ENUM_FMT  = 0xc0405602
	VIDIOC_G_FMT     = 0xc0d05604
	VIDIOC_S_FMT     = 0xc0d05605
	VIDIOC_REQBUFS   = 0xc0145608
	VIDIOC_QUERYBUF  = 0xc0585609
	VIDIOC_QBUF      = 0xc058560f
	VIDIOC_DQBUF     = 0xc0585611
	VIDIOC_STREAMON  = 0x40045612
	VIDIOC_STREAMOFF = 0x40045613
	VIDIOC_G_CTRL    = 0xc008561b
	VIDIOC_S_CTRL    = 0xc008561c
	VIDIOC_QUERYCTRL = 0xc0445624
	VIDIOC_TRY_FMT   = 0xc0d05640
)

// Capability has size 104 bytes.
type Capability struct {
	Driver       [16]byte  // offset 0
	Card         [32]byte  // offset 16
	BusInfo      [32]byte  // offset 48
	Version      uint32    // offset 80
	Capabilities uint32    // offset 84
	DeviceCaps   uint32    // offset 88
	Reserved     [3]uint32 // offset 92
}

// FmtDesc has size 64 bytes.
type FmtDesc struct {
	Index       uint32    // offset 0
	Type        uint32    // offset 4
	Flags       uint32    // offset 8
	Description [32]byte  // offset 12
	PixelFormat uint32    // offset 44
	MbusCode    uint32    // offset 48
	Reserved    [3]uint32 // offset 52
}

// PixFormat has size 48 bytes.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// Format has size 208 bytes. The kernel union is pointer aligned because
// it also holds struct v4l2_window.
type Format struct {
	Type uint32    // offset 0
	_    [4]byte   // padding
	Pix  PixFormat // offset 8 (union)
	_    [152]byte // rest of the union
}

// RequestBuffers has size 20 bytes.
type RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

// Timecode has size 16 bytes.
type Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

// Buffer has size 88 bytes.
type Buffer struct {
	Index     uint32   // offset 0
	Type      uint32   // offset 4
	BytesUsed uint32   // offset 8
	Flags     uint32   // offset 12
	Field     uint32   // offset 16
	_         [4]byte  // padding
	Timestamp Timeval  // offset 24
	Timecode  Timecode // offset 40
	Sequence  uint32   // offset 56
	Memory    uint32   // offset 60
	Offset    uint32   // offset 64 (union m, mmap offset)
	_         [4]byte  // rest of union m
	Length    uint32   // offset 72
	Reserved2 uint32   // offset 76
	RequestFD int32    // offset 80
	_         [4]byte  // padding to 88
}

// Control has size 8 bytes.
type Control struct {
	ID    uint32
	Value int32
}

// QueryCtrl has size 68 bytes.
type QueryCtrl struct {
	ID           uint32
	Type         uint32
	Name         [32]byte
	Minimum      int32
	Maximum      int32
	Step         int32
	DefaultValue int32
	Flags        uint32
	Reserved     [2]uint32
}
