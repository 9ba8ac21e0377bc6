//go:build linux

package v4l2test

import (
	"slices"
	"syscall"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// Control describes one simulated device control.
type Control struct {
	ID      uint32
	Name    string
	Min     int32
	Max     int32
	Step    int32
	Default int32
	Flags   uint32
	// FailGet makes VIDIOC_G_CTRL fail with EIO.
	FailGet bool
}

// Config describes a simulated capture device.
type Config struct {
	Driver string
	Card   string
	// Caps overrides the effective capabilities. Zero means capture + streaming.
	Caps uint32
	// Formats lists native pixel formats in enumeration order.
	Formats []uint32
	// Width and Height are the maximum (and default) frame dimensions.
	Width  uint32
	Height uint32
	// ReadSupport adds V4L2_CAP_READWRITE and enables read().
	ReadSupport bool
	// MaxBuffers caps the count REQBUFS grants. Zero means 32.
	MaxBuffers uint32
	Controls   []Control
	// Frame produces the payload of frame seq. Defaults to Pattern.
	Frame func(seq uint32, pix v4l2.PixFormat) []byte
}

// Device is the state of one simulated capture device.
type Device struct {
	cfg       Config
	pix       v4l2.PixFormat
	bufs      []*buffer
	queue     []int
	streaming bool
	seq       uint32
	starved   bool
	failDQ    error
	controls  map[uint32]*ctrl
	openFiles int
}

type buffer struct {
	data      []byte
	queued    bool
	done      bool
	bytesused uint32
	mapped    int
}

type ctrl struct {
	Control
	value int32
}

// Pattern is the default frame generator: a deterministic ramp that differs
// per frame sequence number.
func Pattern(seq uint32, pix v4l2.PixFormat) []byte {
	frame := make([]byte, pix.SizeImage)
	for i := range frame {
		frame[i] = byte(int(seq)*7 + i)
	}
	return frame
}

func newDevice(cfg Config) *Device {
	if cfg.Caps == 0 {
		cfg.Caps = v4l2.V4L2_CAP_VIDEO_CAPTURE | v4l2.V4L2_CAP_STREAMING
	}
	if cfg.ReadSupport {
		cfg.Caps |= v4l2.V4L2_CAP_READWRITE
	}
	if cfg.MaxBuffers == 0 {
		cfg.MaxBuffers = 32
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.Frame == nil {
		cfg.Frame = Pattern
	}
	if cfg.Driver == "" {
		cfg.Driver = "v4l2test"
	}
	if cfg.Card == "" {
		cfg.Card = "Simulated Camera"
	}

	dev := &Device{cfg: cfg, controls: make(map[uint32]*ctrl)}
	if len(cfg.Formats) > 0 {
		dev.pix = v4l2.PixFormat{
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: cfg.Formats[0],
			Field:       v4l2.V4L2_FIELD_NONE,
		}
		dev.pix.Fill()
	}
	for _, c := range cfg.Controls {
		dev.controls[c.ID] = &ctrl{Control: c, value: c.Default}
	}
	return dev
}

// Pix returns the format currently configured on the device.
func (d *Device) Pix() v4l2.PixFormat { return d.pix }

// Streaming reports whether the queue is streaming.
func (d *Device) Streaming() bool { return d.streaming }

// BufferCount returns the number of allocated buffers.
func (d *Device) BufferCount() int { return len(d.bufs) }

// Mapped returns the number of live mappings across all buffers.
func (d *Device) Mapped() int {
	n := 0
	for _, b := range d.bufs {
		n += b.mapped
	}
	return n
}

// OpenFiles returns the number of open file descriptions on the device.
func (d *Device) OpenFiles() int { return d.openFiles }

// Queued returns the number of buffers currently owned by the driver.
func (d *Device) Queued() int { return len(d.queue) }

// ControlValue returns the native value of a control.
func (d *Device) ControlValue(id uint32) int32 {
	if c, ok := d.controls[id]; ok {
		return c.value
	}
	return 0
}

// SetStarved makes DQBUF and read find no completed frame.
func (d *Device) SetStarved(starved bool) { d.starved = starved }

// FailNextDequeue makes the next DQBUF fail with err.
func (d *Device) FailNextDequeue(err error) { d.failDQ = err }

// Frame returns the payload the device produces for frame seq in format pix.
func (d *Device) Frame(seq uint32, pix v4l2.PixFormat) []byte {
	return d.cfg.Frame(seq, pix)
}

func (d *Device) nextFrame() []byte {
	frame := d.cfg.Frame(d.seq, d.pix)
	d.seq++
	return frame
}

func (d *Device) queryCap(c *v4l2.Capability) {
	*c = v4l2.Capability{
		Version:      0x00060800,
		Capabilities: d.cfg.Caps | v4l2.V4L2_CAP_DEVICE_CAPS,
		DeviceCaps:   d.cfg.Caps,
	}
	v4l2.SetCString(c.Driver[:], d.cfg.Driver)
	v4l2.SetCString(c.Card[:], d.cfg.Card)
	v4l2.SetCString(c.BusInfo[:], "platform:v4l2test")
}

func (d *Device) enumFmt(desc *v4l2.FmtDesc) error {
	if desc.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || int(desc.Index) >= len(d.cfg.Formats) {
		return syscall.EINVAL
	}
	pixfmt := d.cfg.Formats[desc.Index]
	desc.PixelFormat = pixfmt
	desc.Flags = 0
	if v4l2.IsCompressed(pixfmt) {
		desc.Flags = v4l2.V4L2_FMT_FLAG_COMPRESSED
	}
	v4l2.SetCString(desc.Description[:], v4l2.FormatName(pixfmt))
	return nil
}

func (d *Device) getFmt(f *v4l2.Format) error {
	if f.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
		return syscall.EINVAL
	}
	f.Pix = d.pix
	return nil
}

// setFmt adjusts the request to something the device supports, the way
// drivers do, and stores it when set is true.
func (d *Device) setFmt(f *v4l2.Format, set bool) error {
	if f.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || len(d.cfg.Formats) == 0 {
		return syscall.EINVAL
	}
	if set && len(d.bufs) > 0 {
		return syscall.EBUSY
	}
	pix := f.Pix
	if !slices.Contains(d.cfg.Formats, pix.PixelFormat) {
		pix.PixelFormat = d.cfg.Formats[0]
	}
	if pix.Width == 0 || pix.Width > d.cfg.Width {
		pix.Width = d.cfg.Width
	}
	if pix.Height == 0 || pix.Height > d.cfg.Height {
		pix.Height = d.cfg.Height
	}
	pix.Field = v4l2.V4L2_FIELD_NONE
	pix.Fill()
	f.Pix = pix
	if set {
		d.pix = pix
	}
	return nil
}

func (d *Device) reqBufs(req *v4l2.RequestBuffers) error {
	if req.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || req.Memory != v4l2.V4L2_MEMORY_MMAP {
		return syscall.EINVAL
	}
	if d.streaming {
		return syscall.EBUSY
	}
	if d.Mapped() > 0 {
		return syscall.EBUSY
	}
	d.bufs = nil
	d.queue = nil
	count := min(req.Count, d.cfg.MaxBuffers)
	for i := uint32(0); i < count; i++ {
		d.bufs = append(d.bufs, &buffer{data: make([]byte, d.pix.SizeImage)})
	}
	req.Count = count
	return nil
}

func (d *Device) fillBuf(b *v4l2.Buffer, idx int) {
	buf := d.bufs[idx]
	b.Index = uint32(idx)
	b.Type = v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE
	b.Memory = v4l2.V4L2_MEMORY_MMAP
	b.Offset = uint32(idx * pageSize)
	b.Length = uint32(len(buf.data))
	b.BytesUsed = buf.bytesused
	b.Flags = 0
	if buf.mapped > 0 {
		b.Flags |= v4l2.V4L2_BUF_FLAG_MAPPED
	}
	if buf.queued {
		b.Flags |= v4l2.V4L2_BUF_FLAG_QUEUED
	}
	if buf.done {
		b.Flags |= v4l2.V4L2_BUF_FLAG_DONE
	}
}

func (d *Device) queryBuf(b *v4l2.Buffer) error {
	if b.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || int(b.Index) >= len(d.bufs) {
		return syscall.EINVAL
	}
	d.fillBuf(b, int(b.Index))
	return nil
}

func (d *Device) qbuf(b *v4l2.Buffer) error {
	if b.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || int(b.Index) >= len(d.bufs) {
		return syscall.EINVAL
	}
	buf := d.bufs[b.Index]
	if buf.queued {
		return syscall.EINVAL
	}
	buf.queued = true
	buf.done = false
	d.queue = append(d.queue, int(b.Index))
	d.fillBuf(b, int(b.Index))
	return nil
}

func (d *Device) dqbuf(b *v4l2.Buffer, nonblock bool) error {
	if b.Type != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || !d.streaming {
		return syscall.EINVAL
	}
	if d.failDQ != nil {
		err := d.failDQ
		d.failDQ = nil
		return err
	}
	if d.starved || len(d.queue) == 0 {
		if nonblock {
			return syscall.EAGAIN
		}
		// A real driver would block here forever.
		return syscall.EIO
	}
	idx := d.queue[0]
	d.queue = d.queue[1:]
	buf := d.bufs[idx]
	seq := d.seq
	n := copy(buf.data, d.nextFrame())
	buf.queued = false
	buf.done = true
	buf.bytesused = uint32(n)
	d.fillBuf(b, idx)
	b.Sequence = seq
	return nil
}

func (d *Device) streamOn(typ uint32) error {
	if typ != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE || len(d.bufs) == 0 {
		return syscall.EINVAL
	}
	d.streaming = true
	return nil
}

func (d *Device) streamOff(typ uint32) error {
	if typ != v4l2.V4L2_BUF_TYPE_VIDEO_CAPTURE {
		return syscall.EINVAL
	}
	d.streaming = false
	d.queue = nil
	for _, b := range d.bufs {
		b.queued = false
		b.done = false
	}
	return nil
}

func (d *Device) queryCtrl(q *v4l2.QueryCtrl) error {
	c, ok := d.controls[q.ID]
	if !ok {
		return syscall.EINVAL
	}
	q.Type = 1
	q.Minimum = c.Min
	q.Maximum = c.Max
	q.Step = c.Step
	q.DefaultValue = c.Default
	q.Flags = c.Flags
	v4l2.SetCString(q.Name[:], c.Name)
	return nil
}

func (d *Device) getCtrl(c *v4l2.Control) error {
	ct, ok := d.controls[c.ID]
	if !ok {
		return syscall.EINVAL
	}
	if ct.FailGet {
		return syscall.EIO
	}
	c.Value = ct.value
	return nil
}

func (d *Device) setCtrl(c *v4l2.Control) error {
	ct, ok := d.controls[c.ID]
	if !ok {
		return syscall.EINVAL
	}
	if ct.Flags&v4l2.V4L2_CTRL_FLAG_GRABBED != 0 {
		return syscall.EBUSY
	}
	if ct.Flags&v4l2.V4L2_CTRL_FLAG_READ_ONLY != 0 {
		return syscall.EACCES
	}
	ct.value = max(ct.Min, min(ct.Max, c.Value))
	return nil
}
