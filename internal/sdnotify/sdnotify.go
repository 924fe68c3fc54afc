// Package sdnotify wraps the systemd service-readiness protocol,
// adapted from the teacher's internal/systemd/socket.go notify
// helpers. Guardian-daemon owns no socket-activated network listeners
// of its own (its IPC socket is created fresh on each start and its
// metrics listener binds a plain TCP address), so only the
// READY/STOPPING/WATCHDOG notifications are carried over.
package sdnotify

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the daemon has finished starting up. It is
// a no-op, not an error, when not running under systemd.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("sdnotify: ready: %w", err)
	}
	return nil
}

// NotifyStopping tells systemd the daemon is beginning its shutdown
// sequence, per §4.9.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("sdnotify: stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog pings the systemd watchdog. Call periodically if the
// unit file sets WatchdogSec.
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("sdnotify: watchdog: %w", err)
	}
	return nil
}

// IsSystemdService reports whether the process was started by systemd
// with notify-socket wiring available.
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
