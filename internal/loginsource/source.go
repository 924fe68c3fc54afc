package loginsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	logindDest   = "org.freedesktop.login1"
	logindPath   = dbus.ObjectPath("/org/freedesktop/login1")
	managerIface = "org.freedesktop.login1.Manager"
	sessionIface = "org.freedesktop.login1.Session"
)

// Source is the session-bus-backed implementation of LoginSource. It
// owns the bus connection and reconnects with exponential backoff on
// disconnect, per §4.3.
type Source struct {
	filter Filter
	logger zerolog.Logger
	events chan Event

	mu       sync.Mutex
	conn     *dbus.Conn
	watching map[dbus.ObjectPath]string // session object path -> session id
}

// New constructs a Source. filter gates which usernames' events are
// forwarded; events for other usernames are dropped at the source.
func New(filter Filter, logger zerolog.Logger) *Source {
	return &Source{
		filter:   filter,
		logger:   logger.With().Str("component", "login_source").Logger(),
		events:   make(chan Event, 64),
		watching: make(map[dbus.ObjectPath]string),
	}
}

// Events returns the channel Run publishes Event values onto. It is
// never closed by Run; callers select on ctx.Done() alongside it.
func (s *Source) Events() <-chan Event {
	return s.events
}

// Run connects to the system bus and reconnects indefinitely with
// backoff until ctx is cancelled. It blocks until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us.

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.connectAndWatch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("login source disconnected, reconnecting")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
	}
}

// connectAndWatch establishes one bus connection, emits a Resync,
// subscribes to Manager and per-session signals, and blocks until the
// connection is lost or ctx is cancelled.
func (s *Source) connectAndWatch(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	s.conn = conn
	s.watching = make(map[dbus.ObjectPath]string)
	s.mu.Unlock()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(managerIface),
		dbus.WithMatchObjectPath(logindPath),
	); err != nil {
		return fmt.Errorf("subscribe to manager signals: %w", err)
	}

	if err := s.emitResync(conn); err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	disconnected := make(chan struct{})
	go func() {
		<-conn.Context().Done()
		close(disconnected)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-disconnected:
			return fmt.Errorf("bus connection closed")
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("signal channel closed")
			}
			s.handleSignal(conn, sig)
		}
	}
}

func (s *Source) handleSignal(conn *dbus.Conn, sig *dbus.Signal) {
	switch sig.Name {
	case managerIface + ".SessionNew":
		if len(sig.Body) < 2 {
			return
		}
		id, _ := sig.Body[0].(string)
		objPath, _ := sig.Body[1].(dbus.ObjectPath)
		s.onSessionNew(conn, id, objPath)
	case managerIface + ".SessionRemoved":
		if len(sig.Body) < 1 {
			return
		}
		id, _ := sig.Body[0].(string)
		s.onSessionRemoved(id)
	case sessionIface + ".Lock":
		s.onLockChange(sig.Path, Locked)
	case sessionIface + ".Unlock":
		s.onLockChange(sig.Path, Unlocked)
	}
}

func (s *Source) onSessionNew(conn *dbus.Conn, id string, objPath dbus.ObjectPath) {
	username, seat, err := sessionProperties(conn, objPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("could not read new session properties")
		return
	}
	if !s.filter(username) {
		return
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchObjectPath(objPath),
	); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("could not subscribe to session lock signals")
	}

	s.mu.Lock()
	s.watching[objPath] = id
	s.mu.Unlock()

	s.send(Event{Kind: NewSession, SessionID: id, Username: username, Seat: seat})
}

func (s *Source) onSessionRemoved(id string) {
	s.mu.Lock()
	watched := false
	for path, watchedID := range s.watching {
		if watchedID == id {
			delete(s.watching, path)
			watched = true
		}
	}
	s.mu.Unlock()
	if !watched {
		return // not a session the filter accepted.
	}
	s.send(Event{Kind: RemovedSession, SessionID: id})
}

func (s *Source) onLockChange(objPath dbus.ObjectPath, kind Kind) {
	s.mu.Lock()
	id, ok := s.watching[objPath]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.send(Event{Kind: kind, SessionID: id})
}

// emitResync lists every current session via the Manager and pushes a
// ground-truth snapshot, then arms per-session watches for each one
// the filter accepts.
func (s *Source) emitResync(conn *dbus.Conn) error {
	manager := conn.Object(logindDest, logindPath)
	var raw [][]any
	if err := manager.Call(managerIface+".ListSessions", 0).Store(&raw); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var sessions []SessionInfo
	watching := make(map[dbus.ObjectPath]string)
	for _, entry := range raw {
		if len(entry) < 5 {
			continue
		}
		id, _ := entry[0].(string)
		objPath, _ := entry[4].(dbus.ObjectPath)

		username, _, err := sessionProperties(conn, objPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("resync: could not read session properties")
			continue
		}
		if !s.filter(username) {
			continue
		}

		locked, _ := sessionLockedState(conn, objPath)
		sessions = append(sessions, SessionInfo{ID: id, Username: username, Locked: locked})
		watching[objPath] = id

		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(sessionIface),
			dbus.WithMatchObjectPath(objPath),
		); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("resync: could not subscribe to session lock signals")
		}
	}

	s.mu.Lock()
	for path, id := range watching {
		s.watching[path] = id
	}
	s.mu.Unlock()

	s.send(Event{Kind: Resync, Sessions: sessions})
	return nil
}

func sessionProperties(conn *dbus.Conn, objPath dbus.ObjectPath) (username, seat string, err error) {
	obj := conn.Object(logindDest, objPath)

	nameVariant, err := obj.GetProperty(sessionIface + ".Name")
	if err != nil {
		return "", "", fmt.Errorf("get Name property: %w", err)
	}
	username, _ = nameVariant.Value().(string)

	if seatVariant, err := obj.GetProperty(sessionIface + ".Seat"); err == nil {
		if pair, ok := seatVariant.Value().([]any); ok && len(pair) > 0 {
			seat, _ = pair[0].(string)
		}
	}
	return username, seat, nil
}

func sessionLockedState(conn *dbus.Conn, objPath dbus.ObjectPath) (bool, error) {
	obj := conn.Object(logindDest, objPath)
	v, err := obj.GetProperty(sessionIface + ".LockedHint")
	if err != nil {
		return false, err
	}
	locked, _ := v.Value().(bool)
	return locked, nil
}

func (s *Source) send(e Event) {
	s.events <- e
}
