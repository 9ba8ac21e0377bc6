//go:build linux && arm && !arm64

package v4l2

import "unsafe"

// Compile-time struct size assertions for 32-bit ARM.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(FmtDesc{})]byte{}
	_ [48]byte  = [unsafe.Sizeof(PixFormat{})]byte{}
	_ [204]byte = [unsafe.Sizeof(Format{})]byte{} // union is only 4-byte aligned on 32-bit
	_ [20]byte  = [unsafe.Sizeof(RequestBuffers{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(Timecode{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(Buffer{})]byte{} // smaller on 32-bit due to timeval and union m
	_ [8]byte   = [unsafe.Sizeof(Control{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(QueryCtrl{})]byte{}
)

// IOCTL constants for 32-bit ARM.
// Format and buffer requests differ from 64-bit because their struct sizes differ.
const (
	VIDIOC_QUERYCAP  = 0x80685600
	VIDIOC_ENUM_FMT  = 0xc0405602
	VIDIOC_G_FMT     = 0xc0cc5604
	VIDIOC_S_FMT     = 0xc0cc5605
	VIDIOC_REQBUFS   = 0xc0145608
	VIDIOC_QUERYBUF  = 0xc0445609
	VIDIOC_QBUF      = 0xc044560f
	VIDIOC_DQBUF     = 0xc0445611
	VIDIOC_STREAMON  = 0x40045612
	VIDIOC_STREAMOFF = 0x40045613
	VIDIOC_G_CTRL    = 0xc008561b
	VIDIOC_S_CTRL    = 0xc008561c
	VIDIOC_QUERYCTRL = 0xc0445624
	VIDIOC_TRY_FMT   = 0xc0cc5640
)

// Capability - size 104 bytes (same as 64-bit)
type Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// FmtDesc - size 64 bytes (same as 64-bit)
type FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

// PixFormat - size 48 bytes (same as 64-bit)
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

// Format - size 204 bytes
type Format struct {
	Type uint32
	Pix  PixFormat
	_    [152]byte
}

// RequestBuffers - size 20 bytes (same as 64-bit)
type RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

// Timecode - size 16 bytes (same as 64-bit)
type Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

// Buffer - size 68 bytes
type Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp Timeval
	Timecode  Timecode
	Sequence  uint32
	Memory    uint32
	Offset    uint32 // union m
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// Control - size 8 bytes (same as 64-bit)
type Control struct {
	ID    uint32
	Value int32
}

// QueryCtrl - size 68 bytes (same as 64-bit)
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
