// Package metrics turns shim lifecycle events into Prometheus metrics and
// keeps a per-device snapshot for the HTTP API.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/smazurov/v4l2shim/internal/events"
)

const namespace = "v4l2shim"

// unknownDevice labels events of descriptors wrapped without a path.
const unknownDevice = "unknown"

// DeviceStats holds current values for one device path. Handlers for
// different event types may run in any order, so every field is either a
// sum or a last-written value.
type DeviceStats struct {
	Device             string    `json:"device"`
	Card               string    `json:"card"`
	OpenSessions       int       `json:"open_sessions"`
	Requested          string    `json:"requested,omitempty"`
	Native             string    `json:"native,omitempty"`
	Width              uint32    `json:"width,omitempty"`
	Height             uint32    `json:"height,omitempty"`
	Converted          bool      `json:"converted"`
	Frames             uint64    `json:"frames"`
	Bytes              uint64    `json:"bytes"`
	ConversionFailures uint64    `json:"conversion_failures"`
	Removals           uint64    `json:"removals"`
	FrameRate          float64   `json:"frame_rate"`
	LastFrame          time.Time `json:"last_frame,omitzero"`
}

// Metrics owns the shim collectors registered on one registry.
type Metrics struct {
	sessionsOpen       prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	frames             *prometheus.CounterVec
	frameBytes         *prometheus.CounterVec
	conversionFailures *prometheus.CounterVec
	negotiations       *prometheus.CounterVec
	frameRate          *prometheus.GaugeVec
	configReloads      *prometheus.CounterVec
	removals           *prometheus.CounterVec

	mu    sync.RWMutex
	stats map[string]*DeviceStats
}

// New registers the shim collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Descriptors currently wrapped by the shim",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened per device",
		}, []string{"device"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handed to the application",
		}, []string{"device", "method", "converted"}),
		frameBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Payload bytes of frames handed to the application",
		}, []string{"device"}),
		conversionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_failures_total",
			Help:      "Frames dropped because conversion failed",
		}, []string{"device"}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_negotiations_total",
			Help:      "Successful S_FMT negotiations by requested and native format",
		}, []string{"device", "requested", "native"}),
		frameRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_rate",
			Help:      "Frames per second delivered over the last sampling interval",
		}, []string{"device"}),
		configReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config file reloads by result",
		}, []string{"result"}),
		removals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_removals_total",
			Help:      "Capture devices unplugged while watched",
		}, []string{"device"}),
		stats: make(map[string]*DeviceStats),
	}
}

// Subscribe feeds the collectors from bus. The returned function detaches
// every handler.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(m.sessionOpened),
		bus.Subscribe(m.sessionClosed),
		bus.Subscribe(m.formatNegotiated),
		bus.Subscribe(m.frameDequeued),
		bus.Subscribe(m.conversionFailed),
		bus.Subscribe(m.configReloaded),
		bus.Subscribe(m.deviceRemoved),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (m *Metrics) sessionOpened(e events.SessionOpenedEvent) {
	device := deviceLabel(e.Path)
	m.sessionsOpen.Inc()
	m.sessionsTotal.WithLabelValues(device).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsLocked(device)
	s.Card = e.Card
	s.OpenSessions++
}

// sessionClosed may run before the matching sessionOpened; the counts
// settle once both have been handled.
func (m *Metrics) sessionClosed(e events.SessionClosedEvent) {
	m.sessionsOpen.Dec()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsLocked(deviceLabel(e.Path)).OpenSessions--
}

func (m *Metrics) formatNegotiated(e events.FormatNegotiatedEvent) {
	device := deviceLabel(e.Path)
	m.mu.Lock()
	s := m.statsLocked(device)
	s.Requested, s.Native = e.Requested, e.Native
	s.Width, s.Height = e.Width, e.Height
	s.Converted = e.Converted
	m.mu.Unlock()

	m.negotiations.WithLabelValues(device, e.Requested, e.Native).Inc()
}

func (m *Metrics) frameDequeued(e events.FrameDequeuedEvent) {
	device := deviceLabel(e.Path)
	m.mu.Lock()
	s := m.statsLocked(device)
	s.Frames++
	s.Bytes += uint64(e.BytesUsed)
	if e.Timestamp.After(s.LastFrame) {
		s.LastFrame = e.Timestamp
	}
	m.mu.Unlock()

	method := "mmap"
	if e.Read {
		method = "read"
	}
	m.frames.WithLabelValues(device, method, strconv.FormatBool(e.Converted)).Inc()
	m.frameBytes.WithLabelValues(device).Add(float64(e.BytesUsed))
}

func (m *Metrics) conversionFailed(e events.ConversionFailedEvent) {
	device := deviceLabel(e.Path)
	m.mu.Lock()
	m.statsLocked(device).ConversionFailures++
	m.mu.Unlock()

	m.conversionFailures.WithLabelValues(device).Inc()
}

func (m *Metrics) configReloaded(e events.ConfigReloadedEvent) {
	result := "success"
	if e.Error != "" {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

func (m *Metrics) deviceRemoved(e events.DeviceRemovedEvent) {
	m.removals.WithLabelValues(e.Path).Inc()

	m.mu.Lock()
	m.statsLocked(e.Path).Removals++
	m.mu.Unlock()
}

// SetFrameRate records the sampled frame rate of a device.
func (m *Metrics) SetFrameRate(device string, fps float64) {
	m.frameRate.WithLabelValues(device).Set(fps)

	m.mu.Lock()
	m.statsLocked(device).FrameRate = fps
	m.mu.Unlock()
}

// Snapshot returns a copy of the stats of one device.
func (m *Metrics) Snapshot(device string) (DeviceStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[device]
	if !ok {
		return DeviceStats{}, false
	}
	return *s, true
}

// All returns a copy of the stats of every device seen so far.
func (m *Metrics) All() map[string]DeviceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]DeviceStats, len(m.stats))
	for device, s := range m.stats {
		result[device] = *s
	}
	return result
}

func deviceLabel(path string) string {
	if path == "" {
		return unknownDevice
	}
	return path
}

func (m *Metrics) statsLocked(device string) *DeviceStats {
	s, ok := m.stats[device]
	if !ok {
		s = &DeviceStats{Device: device}
		m.stats[device] = s
	}
	return s
}
