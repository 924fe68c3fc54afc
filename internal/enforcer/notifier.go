package enforcer

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// agentIface is the per-user notification interface a session agent
// registers on the session bus, per §6.4.
const agentIface = "org.guardian.Agent1"

// BusNotifier delivers notifications over the system bus to
// org.guardian.Agent.<username>.<instance>, trying every instance
// currently registered for that user. Delivery is best-effort: a
// missing or unreachable agent is logged, never returned as a hard
// failure that would stall the state machine.
type BusNotifier struct {
	logger zerolog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBusNotifier constructs a BusNotifier over an already-connected
// system bus connection, shared with LoginSource's connection pattern.
func NewBusNotifier(conn *dbus.Conn, logger zerolog.Logger) *BusNotifier {
	return &BusNotifier{conn: conn, logger: logger.With().Str("component", "notifier").Logger()}
}

// Notify calls Notify(title, body, urgency) on every instance of
// org.guardian.Agent.<username> it can discover via bus name
// enumeration. It returns an error only if no bus connection is
// available or the bus names cannot be listed; individual per-agent
// failures are logged.
func (n *BusNotifier) Notify(ctx context.Context, username, title, body string, urgency uint8) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("notifier: no bus connection")
	}

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return fmt.Errorf("list bus names: %w", err)
	}

	prefix := "org.guardian.Agent." + username + "."
	delivered := false
	for _, name := range names {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		obj := conn.Object(name, dbus.ObjectPath("/org/guardian/Agent"))
		call := obj.CallWithContext(ctx, agentIface+".Notify", dbus.FlagNoReplyExpected, title, body, urgency)
		if call.Err != nil {
			n.logger.Warn().Err(call.Err).Str("username", username).Str("agent", name).Msg("notify call failed")
			continue
		}
		delivered = true
	}
	if !delivered {
		n.logger.Warn().Str("username", username).Msg("no reachable agent for user")
	}
	return nil
}
