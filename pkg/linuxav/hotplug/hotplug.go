//go:build linux

// Package hotplug reports kernel device events from the uevent netlink
// socket. It is used to notice capture devices disappearing while a
// session is open.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Actions the kernel reports.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

// SubsystemVideo4Linux is the subsystem of V4L2 device nodes.
const SubsystemVideo4Linux = "video4linux"

// Event is one kernel uevent.
type Event struct {
	Action    string
	KObj      string // kernel object path, /devices/...
	Subsystem string
	DevName   string // node name relative to /dev, e.g. video0
	Env       map[string]string
}

// Node returns the /dev path of the device, or "" when the event carries
// no DEVNAME.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	return filepath.Join("/dev", e.DevName)
}

// Removes reports whether e is the removal of the device node at path.
// Symlinks such as /dev/v4l/by-id/... must be resolved by the caller.
func (e Event) Removes(path string) bool {
	return e.Action == ActionRemove && e.Node() != "" && e.Node() == filepath.Clean(path)
}

// Monitor reads uevents for a single subsystem, or all of them when the
// subsystem is empty.
type Monitor struct {
	fd        int
	subsystem string
}

// NewMonitor opens a socket on the kernel uevent broadcast group.
func NewMonitor(subsystem string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	// Wake up every second so Run notices cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Monitor{fd: fd, subsystem: subsystem}, nil
}

// Close releases the socket. Run must have returned first.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run calls handle for every matching event until ctx is done.
func (m *Monitor) Run(ctx context.Context, handle func(Event)) error {
	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return err
		}

		ev, ok := Parse(buf[:n])
		if !ok || (m.subsystem != "" && ev.Subsystem != m.subsystem) {
			continue
		}
		handle(ev)
	}
}

// Parse decodes "ACTION@KOBJ\0KEY=VALUE\0...". Messages relayed by udevd
// carry a binary "libudev" header, which is skipped.
func Parse(data []byte) (Event, bool) {
	if bytes.HasPrefix(data, []byte("libudev")) {
		data = skipUdevHeader(data)
	}

	parts := bytes.Split(data, []byte{0})
	action, kobj, ok := strings.Cut(string(parts[0]), "@")
	if !ok || action == "" {
		return Event{}, false
	}

	ev := Event{Action: action, KObj: kobj, Env: make(map[string]string)}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok || key == "" {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVNAME":
			ev.DevName = value
		}
	}
	return ev, true
}

func skipUdevHeader(data []byte) []byte {
	for i := range len(data) - 1 {
		if data[i] != 0 {
			continue
		}
		rest := data[i+1:]
		at, nul := bytes.IndexByte(rest, '@'), bytes.IndexByte(rest, 0)
		if at > 0 && (nul < 0 || at < nul) {
			return rest
		}
	}
	return nil
}
