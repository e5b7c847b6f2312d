// Package systemd reports service state to systemd (Type=notify units).
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses daemon.SdNotify.
type Notifier struct {
	// Send overrides the transport (tests).
	Send func(state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.Send != nil {
		return n.Send(state)
	}
	return daemon.SdNotify(false, state)
}

func (n Notifier) Ready() (bool, error)     { return n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping() (bool, error)  { return n.send(daemon.SdNotifyStopping) }
func (n Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(s string) (bool, error) { return n.send("STATUS=" + s) }

// WatchdogInterval returns how often to ping, or 0 when the unit has no
// WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx is done. healthy gates
// each ping; a process that stops pinging is restarted by systemd.
func (n Notifier) Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
