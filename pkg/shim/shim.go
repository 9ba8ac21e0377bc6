//go:build linux

// Package shim makes a V4L2 capture device appear to support every pixel
// format its conversion routes can produce and both capture methods, mmap
// streaming and read().
//
// A Shim wraps device descriptors. Calls on a wrapped descriptor go through
// Shim methods (Ioctl, Read, Mmap and so on), which forward to the kernel
// untouched unless the request concerns format negotiation or capture
// buffers. For those, the shim may configure a different native format on
// the device, stage frames through shadow buffers holding converted output,
// or run an internal streaming loop to serve read().
package shim

import (
	"log/slog"

	"github.com/smazurov/v4l2shim/pkg/convert"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// DefaultReadBuffers is the size of the buffer pool used to emulate read().
const DefaultReadBuffers = 4

// Converter recodes frames between pixel formats. *convert.Registry
// implements it.
type Converter interface {
	// SupportedNativeFormats lists formats that can be converted into requested.
	SupportedNativeFormats(requested uint32) []convert.Candidate
	// Destinations lists every format some conversion produces.
	Destinations() []uint32
	// Convert recodes one frame and returns the bytes written to dst.
	Convert(src []byte, srcFmt v4l2.PixFormat, dst []byte, dstFmt v4l2.PixFormat) (int, error)
}

// Shim owns the session registry and the collaborators every session uses.
type Shim struct {
	kernel      v4l2.Kernel
	conv        Converter
	logger      *slog.Logger
	observer    Observer
	readBuffers int
	registry    *registry
}

// Option configures a Shim.
type Option func(*Shim)

// WithKernel sets the system call surface. Defaults to the running kernel.
func WithKernel(k v4l2.Kernel) Option {
	return func(s *Shim) { s.kernel = k }
}

// WithConverter sets the conversion capability. Defaults to convert.NewRegistry().
func WithConverter(c Converter) Option {
	return func(s *Shim) { s.conv = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shim) { s.logger = l }
}

// WithObserver receives session lifecycle notifications.
func WithObserver(o Observer) Option {
	return func(s *Shim) { s.observer = o }
}

// WithReadBuffers sets how many buffers the read() emulation streams with.
func WithReadBuffers(n int) Option {
	return func(s *Shim) {
		if n > 0 {
			s.readBuffers = n
		}
	}
}

// New creates a Shim with an empty session registry.
func New(opts ...Option) *Shim {
	s := &Shim{
		readBuffers: DefaultReadBuffers,
		registry:    newRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kernel == nil {
		s.kernel = v4l2.NewSysKernel()
	}
	if s.conv == nil {
		s.conv = convert.NewRegistry()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "v4l2shim")
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

// Sessions returns the number of wrapped descriptors.
func (s *Shim) Sessions() int {
	return s.registry.len()
}

// Plan returns the format plan of the session behind fd.
func (s *Shim) Plan(fd int) (FormatPlan, bool) {
	sess, ok := s.registry.get(fd)
	if !ok {
		return FormatPlan{}, false
	}
	return sess.plan, true
}
