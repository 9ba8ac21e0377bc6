package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeSessionOpened uint32 = iota + 1
	TypeSessionClosed
	TypeFormatNegotiated
	TypeFrameDequeued
	TypeConversionFailed
	TypeConfigReloaded
	TypeDeviceRemoved
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionOpenedEvent is published when a descriptor is wrapped by the shim.
type SessionOpenedEvent struct {
	FD        int       `json:"fd"`
	Path      string    `json:"path"`
	Card      string    `json:"card"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for SessionOpenedEvent.
func (e SessionOpenedEvent) Type() uint32 { return TypeSessionOpened }

// SessionClosedEvent is published when the last handle of a session closes.
type SessionClosedEvent struct {
	FD        int       `json:"fd"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for SessionClosedEvent.
func (e SessionClosedEvent) Type() uint32 { return TypeSessionClosed }

// FormatNegotiatedEvent is published after a successful S_FMT. Formats are
// FourCC strings.
type FormatNegotiatedEvent struct {
	FD        int       `json:"fd"`
	Path      string    `json:"path"`
	Requested string    `json:"requested"`
	Native    string    `json:"native"`
	Width     uint32    `json:"width"`
	Height    uint32    `json:"height"`
	Converted bool      `json:"converted"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for FormatNegotiatedEvent.
func (e FormatNegotiatedEvent) Type() uint32 { return TypeFormatNegotiated }

// FrameDequeuedEvent is published for every frame handed to the application,
// through DQBUF or read().
type FrameDequeuedEvent struct {
	FD        int       `json:"fd"`
	Path      string    `json:"path"`
	Index     int       `json:"index"`
	Sequence  uint32    `json:"sequence"`
	BytesUsed int       `json:"bytes_used"`
	Converted bool      `json:"converted"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for FrameDequeuedEvent.
func (e FrameDequeuedEvent) Type() uint32 { return TypeFrameDequeued }

// ConversionFailedEvent is published when a captured frame could not be
// converted and was dropped.
type ConversionFailedEvent struct {
	FD        int       `json:"fd"`
	Path      string    `json:"path"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ConversionFailedEvent.
func (e ConversionFailedEvent) Type() uint32 { return TypeConversionFailed }

// ConfigReloadedEvent is published when the config file was reloaded.
type ConfigReloadedEvent struct {
	Path      string    `json:"path"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }

// DeviceRemovedEvent is published when the kernel reports a capture device
// node going away.
type DeviceRemovedEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for DeviceRemovedEvent.
func (e DeviceRemovedEvent) Type() uint32 { return TypeDeviceRemoved }
