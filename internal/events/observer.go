//go:build linux

package events

import (
	"time"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
)

// Observer publishes shim lifecycle callbacks on a Bus. Every event carries
// the device path, so subscribers never depend on delivery order across
// event types.
type Observer struct {
	bus *Bus
	now func() time.Time
}

var _ shim.Observer = (*Observer)(nil)

// NewObserver returns a shim.Observer that publishes to bus.
func NewObserver(bus *Bus) *Observer {
	return &Observer{bus: bus, now: time.Now}
}

// SessionOpened implements shim.Observer.
func (o *Observer) SessionOpened(fd int, path, card string) {
	o.bus.Publish(SessionOpenedEvent{FD: fd, Path: path, Card: card, Timestamp: o.now()})
}

// SessionClosed implements shim.Observer.
func (o *Observer) SessionClosed(fd int, path string) {
	o.bus.Publish(SessionClosedEvent{FD: fd, Path: path, Timestamp: o.now()})
}

// FormatNegotiated implements shim.Observer.
func (o *Observer) FormatNegotiated(fd int, path string, plan shim.FormatPlan) {
	o.bus.Publish(FormatNegotiatedEvent{
		FD:        fd,
		Path:      path,
		Requested: v4l2.FormatFourCC(plan.Requested.PixelFormat),
		Native:    v4l2.FormatFourCC(plan.Native.PixelFormat),
		Width:     plan.Requested.Width,
		Height:    plan.Requested.Height,
		Converted: plan.Convert,
		Timestamp: o.now(),
	})
}

// FrameDequeued implements shim.Observer.
func (o *Observer) FrameDequeued(fd int, path string, frame shim.FrameInfo) {
	o.bus.Publish(FrameDequeuedEvent{
		FD:        fd,
		Path:      path,
		Index:     frame.Index,
		Sequence:  frame.Sequence,
		BytesUsed: frame.BytesUsed,
		Converted: frame.Converted,
		Read:      frame.Read,
		Timestamp: o.now(),
	})
}

// ConversionFailed implements shim.Observer.
func (o *Observer) ConversionFailed(fd int, path string, err error) {
	o.bus.Publish(ConversionFailedEvent{FD: fd, Path: path, Error: err.Error(), Timestamp: o.now()})
}
