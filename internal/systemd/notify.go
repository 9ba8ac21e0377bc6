// Package systemd reports service state to systemd when v4l2shim runs as
// a Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages and watchdog keep-alives.
type Notifier struct {
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a Notifier logging to logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Ready tells systemd start-up has finished.
func (n *Notifier) Ready() {
	n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) {
	n.notify("STATUS=" + status)
}

func (n *Notifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
	case sent:
		n.logger.Debug("sd_notify sent", "state", state)
	}
}

// StartWatchdog pings the systemd watchdog at half the configured timeout,
// skipping ticks where healthy reports false. Without WatchdogSec it does
// nothing.
func (n *Notifier) StartWatchdog(ctx context.Context, healthy func() bool) error {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if timeout == 0 {
		return nil
	}

	ctx, n.cancel = context.WithCancel(ctx)
	interval := timeout / 2
	n.logger.Debug("Watchdog enabled", "timeout", timeout, "interval", interval)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if healthy == nil || healthy() {
					n.notify(daemon.SdNotifyWatchdog)
				} else {
					n.logger.Warn("Capture stalled, skipping watchdog ping")
				}
			}
		}
	}()
	return nil
}

// Stop ends the watchdog goroutine.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}
