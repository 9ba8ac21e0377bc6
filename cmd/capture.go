//go:build linux

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/spf13/cobra"
)

type captureFlags struct {
	fourcc string
	width  uint32
	height uint32
	count  int
	output string
	mmap   bool
}

func (f *captureFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.fourcc, "format", "f", "", "Pixel format fourcc to request, e.g. RGB3")
	cmd.Flags().Uint32VarP(&f.width, "width", "W", 0, "Frame width")
	cmd.Flags().Uint32VarP(&f.height, "height", "H", 0, "Frame height")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write raw frames to this file, - for stdout")
	cmd.Flags().BoolVar(&f.mmap, "mmap", false, "Capture through mmap streaming instead of read()")
}

func (f *captureFlags) request() captureRequest {
	return captureRequest{fourcc: f.fourcc, width: f.width, height: f.height, mmap: f.mmap}
}

func newCaptureCmd(a *app) *cobra.Command {
	var flags captureFlags
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a fixed number of frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.count < 1 {
				return fmt.Errorf("frame count must be positive, got %d", flags.count)
			}
			return a.capture(cmd, flags)
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVarP(&flags.count, "count", "n", 1, "Number of frames to capture")
	return cmd
}

func (a *app) capture(cmd *cobra.Command, flags captureFlags) error {
	logger := logging.GetLogger("cmd")
	out, closeOut, err := openOutput(cmd, flags.output)
	if err != nil {
		return err
	}
	defer closeOut()

	c, err := openCapturer(a.newShim(), a.opts.Device, a.opts.sessionFlags(), flags.request(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to release device", "device", a.opts.Device, "error", err)
		}
	}()

	var total int
	for range flags.count {
		if err := c.next(func(frame []byte) error {
			total += len(frame)
			_, err := out.Write(frame)
			return err
		}); err != nil {
			return err
		}
	}
	logger.Info("Capture complete", "device", a.opts.Device, "frames", flags.count, "bytes", total)
	return nil
}

// openOutput resolves the -o flag. An empty path discards frames.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
