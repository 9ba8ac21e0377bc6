//go:build linux

// Package convert is the pixel format conversion capability used by the shim.
//
// A Registry holds conversion routes from a native (sensor) format to a
// requested format. The shim asks it which native formats can produce a
// requested one and hands it whole frames to recode; it never looks at
// pixel data itself. The routes shipped here favour simplicity over colour
// accuracy.
package convert

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

var (
	// ErrNoRoute is returned when no route converts between two formats.
	ErrNoRoute = errors.New("no conversion route")
	// ErrShortBuffer is returned when the destination cannot hold a frame.
	ErrShortBuffer = errors.New("destination buffer too small")
	// ErrShortFrame is returned when the source holds less than one frame.
	ErrShortFrame = errors.New("source frame truncated")
	// ErrRoutePanic is returned when a route panics while converting.
	ErrRoutePanic = errors.New("conversion route panicked")
)

// Func recodes one width x height frame from src into dst and returns the
// number of bytes written.
type Func func(dst, src []byte, width, height int) (int, error)

// Route is one direct conversion path.
type Route struct {
	Src  uint32
	Dst  uint32
	Cost int
	// ColorConversion marks routes that change colour space (YUV <-> RGB).
	ColorConversion bool
	Convert         Func
}

// Candidate is a native format able to produce a requested format.
type Candidate struct {
	Native          uint32
	Cost            int
	ColorConversion bool
}

// Registry is a set of routes, safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	routes []Route
}

// NewRegistry returns a registry holding the default routes.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, rt := range defaultRoutes() {
		r.Register(rt)
	}
	return r
}

// NewEmptyRegistry returns a registry without any route.
func NewEmptyRegistry() *Registry {
	return &Registry{}
}

// Register adds a route, replacing an existing one for the same pair.
func (r *Registry) Register(rt Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.routes {
		if existing.Src == rt.Src && existing.Dst == rt.Dst {
			r.routes[i] = rt
			return
		}
	}
	r.routes = append(r.routes, rt)
}

// SupportedNativeFormats returns every source format a route turns into requested.
func (r *Registry) SupportedNativeFormats(requested uint32) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, rt := range r.routes {
		if rt.Dst == requested {
			out = append(out, Candidate{
				Native:          rt.Src,
				Cost:            rt.Cost,
				ColorConversion: rt.ColorConversion,
			})
		}
	}
	return out
}

// Destinations lists every format some route produces, in registration order.
func (r *Registry) Destinations() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uint32]bool)
	var out []uint32
	for _, rt := range r.routes {
		if !seen[rt.Dst] {
			seen[rt.Dst] = true
			out = append(out, rt.Dst)
		}
	}
	return out
}

// Convert recodes one frame. Both formats must describe the same dimensions.
func (r *Registry) Convert(src []byte, srcFmt v4l2.PixFormat, dst []byte, dstFmt v4l2.PixFormat) (int, error) {
	if srcFmt.Width != dstFmt.Width || srcFmt.Height != dstFmt.Height {
		return 0, fmt.Errorf("dimension mismatch %dx%d -> %dx%d",
			srcFmt.Width, srcFmt.Height, dstFmt.Width, dstFmt.Height)
	}

	r.mu.RLock()
	var fn Func
	for _, rt := range r.routes {
		if rt.Src == srcFmt.PixelFormat && rt.Dst == dstFmt.PixelFormat {
			fn = rt.Convert
			break
		}
	}
	r.mu.RUnlock()

	if fn == nil {
		return 0, fmt.Errorf("%w: %s -> %s", ErrNoRoute,
			v4l2.FormatFourCC(srcFmt.PixelFormat), v4l2.FormatFourCC(dstFmt.PixelFormat))
	}

	_, need := v4l2.FrameGeometry(dstFmt.PixelFormat, dstFmt.Width, dstFmt.Height)
	if len(dst) < int(need) {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(dst), need)
	}
	return run(fn, dst, src, int(dstFmt.Width), int(dstFmt.Height))
}

// run calls a route and reports a panic inside it as ErrRoutePanic.
func run(fn Func, dst, src []byte, w, h int) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("%w: %v", ErrRoutePanic, r)
		}
	}()
	return fn(dst, src, w, h)
}

func defaultRoutes() []Route {
	return []Route{
		{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_YUV420, Cost: 1, Convert: yuyvToYUV420},
		{Src: v4l2.V4L2_PIX_FMT_NV12, Dst: v4l2.V4L2_PIX_FMT_YUV420, Cost: 1, Convert: nv12ToYUV420},
		{Src: v4l2.V4L2_PIX_FMT_UYVY, Dst: v4l2.V4L2_PIX_FMT_YUYV, Cost: 1, Convert: swapPairs},
		{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 2, ColorConversion: true, Convert: yuyvToRGB(false)},
		{Src: v4l2.V4L2_PIX_FMT_YUYV, Dst: v4l2.V4L2_PIX_FMT_BGR24, Cost: 2, ColorConversion: true, Convert: yuyvToRGB(true)},
		{Src: v4l2.V4L2_PIX_FMT_BGR24, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 1, Convert: swapRB},
		{Src: v4l2.V4L2_PIX_FMT_RGB24, Dst: v4l2.V4L2_PIX_FMT_BGR24, Cost: 1, Convert: swapRB},
		{Src: v4l2.V4L2_PIX_FMT_MJPEG, Dst: v4l2.V4L2_PIX_FMT_YUV420, Cost: 6, Convert: jpegToYUV420},
		{Src: v4l2.V4L2_PIX_FMT_JPEG, Dst: v4l2.V4L2_PIX_FMT_YUV420, Cost: 6, Convert: jpegToYUV420},
		{Src: v4l2.V4L2_PIX_FMT_MJPEG, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 8, ColorConversion: true, Convert: jpegToRGB(false)},
		{Src: v4l2.V4L2_PIX_FMT_JPEG, Dst: v4l2.V4L2_PIX_FMT_RGB24, Cost: 8, ColorConversion: true, Convert: jpegToRGB(false)},
		{Src: v4l2.V4L2_PIX_FMT_MJPEG, Dst: v4l2.V4L2_PIX_FMT_BGR24, Cost: 8, ColorConversion: true, Convert: jpegToRGB(true)},
		{Src: v4l2.V4L2_PIX_FMT_JPEG, Dst: v4l2.V4L2_PIX_FMT_BGR24, Cost: 8, ColorConversion: true, Convert: jpegToRGB(true)},
	}
}
