//go:build linux

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var controlNames = map[string]uint32{
	"brightness": v4l2.V4L2_CID_BRIGHTNESS,
	"contrast":   v4l2.V4L2_CID_CONTRAST,
	"saturation": v4l2.V4L2_CID_SATURATION,
	"hue":        v4l2.V4L2_CID_HUE,
	"gain":       v4l2.V4L2_CID_GAIN,
}

// parseControlID accepts a control name or a numeric id (decimal or 0x hex).
func parseControlID(s string) (uint32, error) {
	if id, ok := controlNames[strings.ToLower(s)]; ok {
		return id, nil
	}
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown control %q", s)
	}
	return uint32(id), nil
}

func newControlCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Read or write controls on the normalized 0-65535 scale",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get CONTROL",
			Short: "Print a control value, 0 when unavailable",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseControlID(args[0])
				if err != nil {
					return err
				}
				return a.withDevice(func(s *shim.Shim, fd int) error {
					fmt.Fprintln(cmd.OutOrStdout(), s.GetControl(fd, id))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set CONTROL VALUE",
			Short: "Set a control",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := parseControlID(args[0])
				if err != nil {
					return err
				}
				value, err := strconv.Atoi(args[1])
				if err != nil || value < 0 || value > shim.ControlMax {
					return fmt.Errorf("value must be between 0 and %d, got %q", shim.ControlMax, args[1])
				}
				return a.withDevice(func(s *shim.Shim, fd int) error {
					return s.SetControl(fd, id, value)
				})
			},
		},
	)
	return cmd
}

func (a *app) withDevice(fn func(s *shim.Shim, fd int) error) error {
	s := a.newShim()
	fd, err := s.OpenWithFlags(a.opts.Device, unix.O_RDWR, a.opts.sessionFlags())
	if err != nil {
		return fmt.Errorf("open %s: %w", a.opts.Device, err)
	}
	defer func() {
		if err := s.Close(fd); err != nil {
			logging.GetLogger("cmd").Warn("Failed to close device", "device", a.opts.Device, "error", err)
		}
	}()
	return fn(s, fd)
}
