//go:build linux

package cmd

import (
	"fmt"
	"text/tabwriter"
	"unsafe"

	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func newFormatsCmd(a *app) *cobra.Command {
	var emulated bool
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List the pixel formats a device offers through the shim",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := a.opts.sessionFlags()
			if emulated {
				flags |= shim.EnableEmulatedFormatEnumeration
			}
			return a.listFormats(cmd, flags)
		},
	}
	cmd.Flags().BoolVar(&emulated, "emulated", false, "Include formats produced by conversion")
	return cmd
}

func (a *app) listFormats(cmd *cobra.Command, flags shim.Flags) error {
	logger := logging.GetLogger("cmd")
	s := a.newShim()
	fd, err := s.OpenWithFlags(a.opts.Device, unix.O_RDWR, flags)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.opts.Device, err)
	}
	defer func() {
		if err := s.Close(fd); err != nil {
			logger.Warn("Failed to close device", "device", a.opts.Device, "error", err)
		}
	}()

	var caps v4l2.Capability
	if err := s.Ioctl(fd, v4l2.VIDIOC_QUERYCAP, unsafe.Pointer(&caps)); err != nil {
		return fmt.Errorf("query capabilities: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", a.opts.Device, caps.CardName())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOURCC\tDESCRIPTION\tEMULATED")
	for info, err := range s.Formats(fd) {
		if err != nil {
			return fmt.Errorf("enumerate formats: %w", err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\n", v4l2.FormatFourCC(info.PixelFormat), info.FormatName, info.Emulated)
	}
	return tw.Flush()
}
