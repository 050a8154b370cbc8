package lifecycle

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobrunner/pkg/logx"
)

// Notifier reports service state to systemd. Outside systemd (no
// NOTIFY_SOCKET) every call is a no-op.
type Notifier struct {
	Enabled bool
	Log     logx.Logger
}

func (n Notifier) send(state string) {
	if !n.Enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.Log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n Notifier) Ready()          { n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping()       { n.send(daemon.SdNotifyStopping) }
func (n Notifier) Reloading()      { n.send(daemon.SdNotifyReloading) }
func (n Notifier) Status(s string) { n.send("STATUS=" + s) }
func (n Notifier) watchdogPing()   { n.send(daemon.SdNotifyWatchdog) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns immediately when the unit has no watchdog.
func (n Notifier) Watchdog(ctx context.Context) error {
	if !n.Enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.watchdogPing()
		}
	}
}
