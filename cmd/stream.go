//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/smazurov/v4l2shim/internal/config"
	"github.com/smazurov/v4l2shim/internal/events"
	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/internal/metrics"
	"github.com/smazurov/v4l2shim/internal/metrics/collectors"
	"github.com/smazurov/v4l2shim/internal/server"
	"github.com/smazurov/v4l2shim/internal/systemd"
	"github.com/smazurov/v4l2shim/pkg/linuxav/hotplug"
	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"github.com/spf13/cobra"
)

type streamFlags struct {
	captureFlags
	duration time.Duration
	interval time.Duration
}

func newStreamCmd(a *app) *cobra.Command {
	var flags streamFlags
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Capture continuously and export per-device metrics",
		Long: `stream captures until interrupted. With --metrics-addr set it serves ` +
			`Prometheus metrics on /metrics and per-device stats on /api/devices. ` +
			`Logging levels in the config file are reapplied whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if flags.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.duration)
				defer cancel()
			}
			return a.stream(ctx, cmd, flags)
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVarP(&flags.count, "count", "n", 0, "Stop after this many frames, 0 for no limit")
	cmd.Flags().DurationVar(&flags.duration, "duration", 0, "Stop after this long, 0 for no limit")
	cmd.Flags().DurationVar(&flags.interval, "sample-interval", collectors.DefaultInterval, "Frame rate sampling interval")
	cmd.Flags().StringVar(&a.opts.MetricsAddr, "metrics-addr", "", "Serve metrics and device stats on this address")
	return cmd
}

// pipeline is the observability side of a stream: shim events feed the
// metrics, which the HTTP server and frame rate sampler read.
type pipeline struct {
	bus     *events.Bus
	metrics *metrics.Metrics
	reg     *prometheus.Registry
	unsub   func()
}

func newPipeline() *pipeline {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promcollectors.NewGoCollector(),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
	)
	p := &pipeline{bus: events.New(), reg: reg}
	p.metrics = metrics.New(reg)
	p.unsub = p.metrics.Subscribe(p.bus)
	return p
}

func (a *app) stream(ctx context.Context, cmd *cobra.Command, flags streamFlags) error {
	logger := logging.GetLogger("cmd")
	p := newPipeline()
	defer p.unsub()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancelCause(ctx)
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	if a.opts.Config != "" {
		w := a.watchConfig(p.bus)
		if err := w.Start(ctx); err != nil {
			logger.Warn("Config watcher not started", "path", a.opts.Config, "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	sampler := collectors.NewFrameRateCollector(p.metrics, flags.interval)
	if err := sampler.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sampler.Stop() }()

	serverErr := make(chan error, 1)
	if a.opts.MetricsAddr != "" {
		srv := server.New(server.Options{
			Addr:     a.opts.MetricsAddr,
			Gatherer: p.reg,
			Stats:    p.metrics,
			Logger:   logging.GetLogger("server"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	out, closeOut, err := openOutput(cmd, flags.output)
	if err != nil {
		return err
	}
	defer closeOut()

	a.watchRemoval(ctx, &wg, p.bus, cancel)

	s := a.newShim(shim.WithObserver(events.NewObserver(p.bus)))
	c, err := openCapturer(s, a.opts.Device, a.opts.sessionFlags(), flags.request(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to release device", "device", a.opts.Device, "error", err)
		}
	}()

	var frames atomic.Int64
	notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
	notifier.Status(fmt.Sprintf("capturing %s as %s %dx%d", a.opts.Device,
		v4l2.FormatFourCC(c.format.Pix.PixelFormat), c.format.Pix.Width, c.format.Pix.Height))
	notifier.Ready()
	if err := notifier.StartWatchdog(ctx, progressed(&frames)); err != nil {
		logger.Warn("Watchdog not started", "error", err)
	}
	defer func() {
		notifier.Stopping()
		notifier.Stop()
	}()

	logger.Info("Streaming", "device", a.opts.Device, "mmap", flags.mmap, "metrics_addr", a.opts.MetricsAddr)
	err = captureLoop(ctx, c, out, flags.count, &frames, serverErr)
	logger.Info("Stream stopped", "device", a.opts.Device, "frames", frames.Load())
	if cause := context.Cause(ctx); errors.Is(cause, errDeviceRemoved) {
		return fmt.Errorf("%s: %w", a.opts.Device, cause)
	}
	return err
}

func captureLoop(ctx context.Context, c *capturer, out io.Writer, limit int, frames *atomic.Int64, serverErr <-chan error) error {
	for limit == 0 || frames.Load() < int64(limit) {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			return fmt.Errorf("metrics server: %w", err)
		default:
		}
		if err := c.next(func(frame []byte) error {
			_, err := out.Write(frame)
			return err
		}); err != nil {
			return err
		}
		frames.Add(1)
	}
	return nil
}

// progressed reports whether frames advanced since the previous call.
func progressed(frames *atomic.Int64) func() bool {
	var last int64 = -1
	return func() bool {
		n := frames.Load()
		ok := n != last
		last = n
		return ok
	}
}

var errDeviceRemoved = errors.New("capture device removed")

// watchRemoval stops the stream when the kernel reports the device node
// going away. Without a uevent source it does nothing.
func (a *app) watchRemoval(ctx context.Context, wg *sync.WaitGroup, bus *events.Bus, stop context.CancelCauseFunc) {
	logger := logging.GetLogger("hotplug")
	if a.uevents == nil {
		return
	}
	src, err := a.uevents()
	if err != nil {
		logger.Debug("Hotplug monitoring unavailable", "error", err)
		return
	}

	node := a.opts.Device
	if resolved, err := filepath.EvalSymlinks(node); err == nil {
		node = resolved
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = src.Close() }()
		err := src.Run(ctx, func(ev hotplug.Event) {
			if !ev.Removes(node) {
				return
			}
			logger.Warn("Capture device removed", "device", a.opts.Device, "node", node)
			bus.Publish(events.DeviceRemovedEvent{Path: a.opts.Device, Timestamp: time.Now()})
			stop(errDeviceRemoved)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Hotplug monitor stopped", "error", err)
		}
	}()
}

// watchConfig reapplies logging levels from the config file and reports
// every reload attempt on the bus.
func (a *app) watchConfig(bus *events.Bus) *config.Watcher[logging.Config] {
	path := a.opts.Config
	w := config.NewWatcher(path, config.LoadLogging, logging.GetLogger("config"),
		config.WithErrorHandler[logging.Config](func(err error) {
			bus.Publish(events.ConfigReloadedEvent{Path: path, Error: err.Error(), Timestamp: time.Now()})
		}),
	)
	w.OnReload(func(cfg logging.Config) {
		ev := events.ConfigReloadedEvent{Path: path, Timestamp: time.Now()}
		if err := applyLogLevels(cfg); err != nil {
			ev.Error = err.Error()
		}
		bus.Publish(ev)
	})
	return w
}

func applyLogLevels(cfg logging.Config) error {
	var errs []error
	if err := logging.SetLevel("", cfg.Level); err != nil {
		errs = append(errs, err)
	}
	for module, level := range cfg.Modules {
		if err := logging.SetLevel(module, level); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
