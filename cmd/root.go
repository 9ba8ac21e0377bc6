//go:build linux

// Package cmd implements the v4l2shim command line.
package cmd

import (
	"context"
	"io"
	"os"

	"github.com/smazurov/v4l2shim/internal/config"
	"github.com/smazurov/v4l2shim/internal/devices"
	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/pkg/convert"
	"github.com/smazurov/v4l2shim/pkg/linuxav/hotplug"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"github.com/spf13/cobra"
)

// app carries what every command needs. Tests swap the kernel for a
// simulated one.
type app struct {
	opts    Options
	kernel  v4l2.Kernel
	stdout  io.Writer
	uevents func() (ueventSource, error)
}

type ueventSource interface {
	Run(ctx context.Context, handle func(hotplug.Event)) error
	Close() error
}

// NewRootCmd builds the v4l2shim command tree against the running kernel.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{
		kernel: v4l2.NewSysKernel(),
		stdout: os.Stdout,
		uevents: func() (ueventSource, error) {
			m, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "v4l2shim",
		Short: "Capture from V4L2 devices through the format conversion shim",
		Long: `v4l2shim drives a V4L2 capture device through a user-space compatibility layer ` +
			`that offers every pixel format reachable by conversion and emulates read() ` +
			`on streaming-only devices.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(&a.opts, cmd); err != nil {
				return err
			}
			device, err := devices.ResolvePath(a.opts.Device)
			if err != nil {
				return err
			}
			a.opts.Device = device
			return logging.Initialize(a.opts.loggingConfig())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return logging.Close()
		},
	}
	root.SetOut(a.stdout)
	a.opts.bindPersistent(root.PersistentFlags())

	root.AddCommand(
		newFormatsCmd(a),
		newCaptureCmd(a),
		newControlCmd(a),
		newStreamCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) newShim(opts ...shim.Option) *shim.Shim {
	base := []shim.Option{
		shim.WithKernel(a.kernel),
		shim.WithConverter(convert.NewRegistry()),
		shim.WithLogger(logging.GetLogger("shim")),
		shim.WithReadBuffers(a.opts.ReadBuffers),
	}
	return shim.New(append(base, opts...)...)
}
