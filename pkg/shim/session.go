//go:build linux

package shim

import (
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// Flags change how a session behaves. Values match libv4l2.
type Flags uint32

const (
	// DisableConversion makes the session expose native formats only.
	DisableConversion Flags = 0x01
	// EnableEmulatedFormatEnumeration makes ENUM_FMT list convertible
	// formats after the native ones.
	EnableEmulatedFormatEnumeration Flags = 0x02
)

// FormatPlan is the outcome of format negotiation for a session.
type FormatPlan struct {
	// Requested is the format reported to the application.
	Requested v4l2.PixFormat
	// Native is the format configured on the device.
	Native v4l2.PixFormat
	// Convert is set when frames are recoded from Native to Requested.
	Convert bool
}

// session is the shim state of one opened device, shared by all duplicated
// descriptors of it. Buffer operations on one session must be serialized by
// the caller.
type session struct {
	refs     int
	path     string
	card     string
	flags    Flags
	caps     uint32 // hardware capabilities, before the shim adds READWRITE
	nonblock bool

	plan    FormatPlan
	natives []v4l2.FormatInfo

	pool     *pool
	controls map[uint32]controlRange

	// scratch receives native frames on the read() path.
	scratch []byte
	frame   []byte
}

func (s *session) conversionEnabled() bool {
	return s.flags&DisableConversion == 0
}
