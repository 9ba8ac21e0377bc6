// Package devices turns the device names users type into /dev paths.
package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// devRoot is replaced in tests.
var devRoot = "/dev"

// ResolvePath accepts a path ("/dev/video0"), a bare node name ("video0")
// or a stable udev id ("usb-Logitech_C920_1234-video-index0",
// "platform-fe801000.csi-video-index0") and returns the path to open.
// Stable ids survive re-enumeration after a USB replug.
func ResolvePath(device string) (string, error) {
	if device == "" {
		return "", fmt.Errorf("no device given")
	}
	if filepath.IsAbs(device) {
		return device, nil
	}
	if !strings.ContainsRune(device, '/') && strings.HasPrefix(device, "video") {
		return filepath.Join(devRoot, device), nil
	}

	var dirs []string
	switch {
	case strings.HasPrefix(device, "usb-"):
		dirs = []string{"v4l/by-id", "v4l/by-path"}
	case strings.HasPrefix(device, "platform-"), strings.HasPrefix(device, "pci-"):
		dirs = []string{"v4l/by-path"}
	default:
		return "", fmt.Errorf("unrecognized device %q", device)
	}

	for _, dir := range dirs {
		p := filepath.Join(devRoot, dir, device)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no stable symlink found for device %q", device)
}
