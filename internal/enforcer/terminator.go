package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	terminatorDest = "org.freedesktop.login1"
	terminatorPath = dbus.ObjectPath("/org/freedesktop/login1")
	managerIface   = "org.freedesktop.login1.Manager"

	terminateRetries      = 3
	terminateRetryBackoff = 5 * time.Second
	loginctlTimeout       = 10 * time.Second
)

// LogindTerminator ends a user's sessions via
// org.freedesktop.login1.Manager.TerminateUser(uid), falling back to
// the external `loginctl terminate-user` command if the bus call is
// unavailable. Both paths are retried up to terminateRetries times
// with terminateRetryBackoff spacing, per §4.5/§7 TerminationFailed.
type LogindTerminator struct {
	conn   *dbus.Conn
	logger zerolog.Logger
}

// NewLogindTerminator constructs a LogindTerminator over an
// already-connected system bus connection.
func NewLogindTerminator(conn *dbus.Conn, logger zerolog.Logger) *LogindTerminator {
	return &LogindTerminator{conn: conn, logger: logger.With().Str("component", "terminator").Logger()}
}

// TerminateUser retries the preferred D-Bus path, falling back to
// loginctl on each attempt if the bus call itself errors.
func (t *LogindTerminator) TerminateUser(ctx context.Context, username string) error {
	uid, err := lookupUID(username)
	if err != nil {
		return fmt.Errorf("terminator: lookup uid for %s: %w", username, err)
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(terminateRetryBackoff), terminateRetries-1)
	return backoff.Retry(func() error {
		if err := t.terminateViaBus(ctx, uid); err == nil {
			return nil
		} else {
			t.logger.Warn().Err(err).Str("username", username).Msg("TerminateUser over D-Bus failed, falling back to loginctl")
		}
		return t.terminateViaLoginctl(ctx, username)
	}, backoff.WithContext(bo, ctx))
}

func (t *LogindTerminator) terminateViaBus(ctx context.Context, uid int) error {
	if t.conn == nil {
		return fmt.Errorf("no bus connection")
	}
	obj := t.conn.Object(terminatorDest, terminatorPath)
	call := obj.CallWithContext(ctx, managerIface+".TerminateUser", 0, uint32(uid))
	return call.Err
}

func (t *LogindTerminator) terminateViaLoginctl(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, loginctlTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "loginctl", "terminate-user", username)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("loginctl terminate-user %s: %w: %s", username, err, out)
	}
	return nil
}

func lookupUID(username string) (int, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}
