//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"golang.org/x/sys/unix"
)

const captureBuffers = 4

// capturer pulls frames from one device through the shim, either by read()
// or by mmap streaming.
type capturer struct {
	s      *shim.Shim
	fd     int
	logger *slog.Logger
	format v4l2.Format

	mmap      bool
	maps      [][]byte
	streaming bool
	frame     []byte
}

type captureRequest struct {
	fourcc string
	width  uint32
	height uint32
	mmap   bool
}

func openCapturer(s *shim.Shim, path string, flags shim.Flags, req captureRequest, logger *slog.Logger) (*capturer, error) {
	fd, err := s.OpenWithFlags(path, unix.O_RDWR, flags)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c := &capturer{s: s, fd: fd, logger: logger, mmap: req.mmap}
	if err := c.configure(req); err != nil {
		return nil, errors.Join(err, c.Close())
	}
	return c, nil
}

func (c *capturer) configure(req captureRequest) error {
	c.format.Type = v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE
	if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_G_FMT, unsafe.Pointer(&c.format)); err != nil {
		return fmt.Errorf("get format: %w", err)
	}
	if req.fourcc != "" {
		pixfmt, err := v4l2.ParseFourCC(req.fourcc)
		if err != nil {
			return err
		}
		c.format.Pix.PixelFormat = pixfmt
	}
	if req.width > 0 {
		c.format.Pix.Width = req.width
	}
	if req.height > 0 {
		c.format.Pix.Height = req.height
	}
	if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_S_FMT, unsafe.Pointer(&c.format)); err != nil {
		return fmt.Errorf("set format %s: %w", v4l2.FormatFourCC(c.format.Pix.PixelFormat), err)
	}
	c.logger.Info("Format configured",
		"fourcc", v4l2.FormatFourCC(c.format.Pix.PixelFormat),
		"width", c.format.Pix.Width,
		"height", c.format.Pix.Height,
		"size", c.format.Pix.SizeImage)

	if !c.mmap {
		c.frame = make([]byte, c.format.Pix.SizeImage)
		return nil
	}
	return c.startStreaming()
}

func (c *capturer) startStreaming() error {
	req := v4l2.RequestBuffers{
		Count:  captureBuffers,
		Type:   v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE,
		Memory: v4l2.V4L2_MEMORY_MMAP,
	}
	if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_REQBUFS, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("request buffers: %w", err)
	}
	for i := range req.Count {
		buf := v4l2.Buffer{Index: i, Type: req.Type, Memory: req.Memory}
		if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_QUERYBUF, unsafe.Pointer(&buf)); err != nil {
			return fmt.Errorf("query buffer %d: %w", i, err)
		}
		m, err := c.s.Mmap(c.fd, int64(buf.Offset), int(buf.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("map buffer %d: %w", i, err)
		}
		c.maps = append(c.maps, m)
		if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_QBUF, unsafe.Pointer(&buf)); err != nil {
			return fmt.Errorf("queue buffer %d: %w", i, err)
		}
	}
	typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	c.streaming = true
	return nil
}

// next hands the payload of one frame to fn. The slice is only valid
// until fn returns.
func (c *capturer) next(fn func(frame []byte) error) error {
	if !c.mmap {
		n, err := retry(func() (int, error) { return c.s.Read(c.fd, c.frame) })
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		return fn(c.frame[:n])
	}

	buf := v4l2.Buffer{Type: v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE, Memory: v4l2.V4L2_MEMORY_MMAP}
	if _, err := retry(func() (int, error) {
		return 0, c.s.Ioctl(c.fd, v4l2.VIDIOC_DQBUF, unsafe.Pointer(&buf))
	}); err != nil {
		return fmt.Errorf("dequeue buffer: %w", err)
	}
	if int(buf.Index) >= len(c.maps) {
		return fmt.Errorf("dequeued unknown buffer %d", buf.Index)
	}
	ferr := fn(c.maps[buf.Index][:buf.BytesUsed])
	if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_QBUF, unsafe.Pointer(&buf)); err != nil {
		return errors.Join(ferr, fmt.Errorf("requeue buffer %d: %w", buf.Index, err))
	}
	return ferr
}

// Close stops streaming, unmaps the buffers and closes the descriptor.
func (c *capturer) Close() error {
	var errs []error
	if c.streaming {
		typ := uint32(v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE)
		if err := c.s.Ioctl(c.fd, v4l2.VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
			errs = append(errs, fmt.Errorf("stream off: %w", err))
		}
		c.streaming = false
	}
	for _, m := range c.maps {
		if err := c.s.Munmap(m); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
	}
	c.maps = nil
	if err := c.s.Close(c.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

func retry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}
