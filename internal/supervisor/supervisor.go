// Package supervisor implements Supervisor (C11): the component that
// owns the daemon's full lifecycle — load configuration, open
// storage, wire every other component together, run the signal loop,
// and shut everything down in order. Grounded on cmd/kproxy/server.go's
// runServer: load-config -> setup-logger -> systemd-check ->
// open-storage -> construct-components -> start-components ->
// sd-notify-ready -> signal-loop -> sd-notify-stopping -> ordered-stop.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/adminipc"
	"github.com/familyguardian/guardian-daemon/internal/clock"
	"github.com/familyguardian/guardian-daemon/internal/config"
	"github.com/familyguardian/guardian-daemon/internal/enforcer"
	"github.com/familyguardian/guardian-daemon/internal/loginsource"
	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/pamwriter"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/familyguardian/guardian-daemon/internal/sdnotify"
	"github.com/familyguardian/guardian-daemon/internal/storage"
	"github.com/familyguardian/guardian-daemon/internal/storage/bolt"
	"github.com/familyguardian/guardian-daemon/internal/systemdwriter"
	"github.com/familyguardian/guardian-daemon/internal/tracker"
	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Options configures a Supervisor. Fields beyond ConfigPath are daemon
// deployment settings (file locations, the admin group name) rather
// than hot-reloadable Policy state, so they live here instead of in
// config.Load's YAML schema.
type Options struct {
	ConfigPath      string
	PamConfigPath   string // e.g. /etc/security/time.conf
	SystemdUnitDir  string // e.g. /etc/systemd/system
	MetricsAddr     string // e.g. 127.0.0.1:9091
	AdminGroupName  string // POSIX group permitted to use AdminIpc, e.g. "guardian-admin"
	ConfigReloadInt time.Duration
	Version         string
}

func (o Options) withDefaults() Options {
	if o.PamConfigPath == "" {
		o.PamConfigPath = "/etc/security/time.conf"
	}
	if o.SystemdUnitDir == "" {
		o.SystemdUnitDir = "/etc/systemd/system"
	}
	if o.MetricsAddr == "" {
		o.MetricsAddr = "127.0.0.1:9091"
	}
	if o.AdminGroupName == "" {
		o.AdminGroupName = "guardian-admin"
	}
	if o.ConfigReloadInt <= 0 {
		o.ConfigReloadInt = config.DefaultReloadInterval
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return o
}

// Supervisor owns every other component and the processes's signal
// loop.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	startedAt time.Time

	store storage.Store
	clk   clock.Clock

	loader        *config.Loader
	source        *loginsource.Source
	tracker       *tracker.Tracker
	enforcer      *enforcer.Enforcer
	pamWriter     *pamwriter.Writer
	systemdWriter *systemdwriter.Writer
	ipc           *adminipc.Server
	metricsServer *metrics.Server

	sessionBus *dbus.Conn
	systemBus  *systemdDbus.Conn

	cancelSource context.CancelFunc
	sourceErrs   chan error
}

// New constructs a Supervisor. All component wiring happens in Run;
// New performs no I/O.
func New(opts Options, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "supervisor").Logger(),
		clk:    clock.NewRealClock(),
	}
}

// Run performs the full startup sequence, blocks handling signals
// until ctx is cancelled or a termination signal arrives, then shuts
// every component down in order and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	s.logger.Info().Str("version", s.opts.Version).Str("config", s.opts.ConfigPath).Msg("starting guardian-daemon")

	loader, err := config.NewLoader(s.opts.ConfigPath, s.opts.ConfigReloadInt, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: load config: %w", err)
	}
	s.loader = loader
	pol := loader.Current()

	store, err := bolt.Open(pol.DBPath)
	if err != nil {
		return fmt.Errorf("supervisor: open storage: %w", err)
	}
	s.store = store
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close storage")
		}
	}()

	if conn, err := dbus.ConnectSystemBus(); err != nil {
		s.logger.Warn().Err(err).Msg("could not connect to system bus; notifications and termination will be degraded")
	} else {
		s.sessionBus = conn
	}
	if conn, err := systemdDbus.NewSystemConnectionContext(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("could not connect to systemd manager bus; unit reconciliation will be file-only")
	} else {
		s.systemBus = conn
	}

	s.tracker = tracker.New(s.store, s.clk, pol, s.logger)
	if err := s.tracker.Restore(ctx); err != nil {
		return fmt.Errorf("supervisor: restore tracker state: %w", err)
	}

	notifier := enforcer.NewBusNotifier(s.sessionBus, s.logger)
	terminator := enforcer.NewLogindTerminator(s.sessionBus, s.logger)
	s.enforcer = enforcer.New(s.tracker, notifier, terminator, s.clk, s.loader.Current, s.logger)
	s.tracker.OnDayRollover(s.enforcer.HandleDayRollover)

	s.pamWriter = pamwriter.New(s.opts.PamConfigPath, s.logger)
	var sdConn systemdwriter.Conn
	if s.systemBus != nil {
		sdConn = s.systemBus
	}
	s.systemdWriter = systemdwriter.New(s.opts.SystemdUnitDir, sdConn, s.logger)

	s.loader.Subscribe(func(p *policy.Policy) {
		s.tracker.SetPolicy(p)
		if err := s.pamWriter.Apply(p); err != nil {
			s.logger.Error().Err(err).Msg("pam reconcile failed")
		}
		if err := s.systemdWriter.Reconcile(ctx, p); err != nil {
			s.logger.Error().Err(err).Msg("systemd reconcile failed")
		}
	})

	if err := s.pamWriter.Apply(pol); err != nil {
		s.logger.Error().Err(err).Msg("initial pam reconcile failed")
	}
	if err := s.systemdWriter.Reconcile(ctx, pol); err != nil {
		s.logger.Error().Err(err).Msg("initial systemd reconcile failed")
	}
	if err := systemdwriter.CatchUpOnBoot(ctx, s.store, pol, s.clk.Now(), s.enforcer.HandleDayRollover); err != nil {
		s.logger.Warn().Err(err).Msg("catch-up on boot check failed")
	}

	filter := func(username string) bool { return s.loader.Current().IsManaged(username) }
	s.source = loginsource.New(filter, s.logger)

	adminGID := -1
	if grp, err := user.LookupGroup(s.opts.AdminGroupName); err != nil {
		s.logger.Warn().Err(err).Str("group", s.opts.AdminGroupName).Msg("admin group not found; admin socket restricted to root")
	} else if gid, err := strconv.Atoi(grp.Gid); err == nil {
		adminGID = gid
	}
	s.ipc = adminipc.New(pol.IPCSocket, adminGID, s.logger)
	s.registerIPCHandlers()

	s.metricsServer = metrics.NewServer(s.opts.MetricsAddr, s.logger)

	s.tracker.Start(ctx)
	s.enforcer.Start(ctx)
	s.loader.Start(ctx)
	if err := s.metricsServer.Start(); err != nil {
		return fmt.Errorf("supervisor: start metrics server: %w", err)
	}
	if err := s.ipc.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start admin ipc: %w", err)
	}

	sourceCtx, cancelSource := context.WithCancel(ctx)
	s.cancelSource = cancelSource
	s.sourceErrs = make(chan error, 1)
	go func() { s.sourceErrs <- s.source.Run(sourceCtx) }()
	go s.consumeEvents(sourceCtx)

	if sdnotify.IsSystemdService() {
		if err := sdnotify.NotifyReady(); err != nil {
			s.logger.Warn().Err(err).Msg("sd_notify ready failed")
		}
	}
	s.logger.Info().Msg("guardian-daemon startup complete")

	s.waitForShutdown(ctx)

	if sdnotify.IsSystemdService() {
		if err := sdnotify.NotifyStopping(); err != nil {
			s.logger.Warn().Err(err).Msg("sd_notify stopping failed")
		}
	}
	s.shutdown()
	s.logger.Info().Msg("guardian-daemon stopped")
	return nil
}

func (s *Supervisor) consumeEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.source.Events():
			if !ok {
				return
			}
			s.tracker.HandleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// waitForShutdown blocks until ctx is cancelled or a termination
// signal arrives, honoring SIGHUP as a reload request rather than a
// shutdown request, per §4.9.
func (s *Supervisor) waitForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.logger.Info().Msg("SIGHUP received, reloading configuration")
				if err := s.loader.Reload(); err != nil {
					s.logger.Error().Err(err).Msg("configuration reload failed")
				}
				continue
			default:
				s.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
				return
			}
		}
	}
}

// shutdown stops every component in the order required by §4.9: the
// event source first so no new sessions are admitted, then the
// enforcer so no further enforcement actions race the final flush,
// then the tracker so its accumulated usage lands in Storage, then the
// periodic loops, and finally the admin socket (closed and removed
// last so a client mid-command sees a clean disconnect rather than a
// half-shut-down daemon).
func (s *Supervisor) shutdown() {
	if s.cancelSource != nil {
		s.cancelSource()
	}
	if s.sourceErrs != nil {
		if err := <-s.sourceErrs; err != nil && err != context.Canceled {
			s.logger.Error().Err(err).Msg("login source stopped with error")
		}
	}
	if s.enforcer != nil {
		s.enforcer.Stop()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.loader != nil {
		s.loader.Stop()
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("error stopping metrics server")
		}
	}
	if s.ipc != nil {
		s.ipc.Stop()
	}
	if s.sessionBus != nil {
		_ = s.sessionBus.Close()
	}
	if s.systemBus != nil {
		s.systemBus.Close()
	}
}

// registerIPCHandlers binds the §4.8 command set to the components
// that answer them.
func (s *Supervisor) registerIPCHandlers() {
	s.ipc.Handle("status", s.handleStatus)
	s.ipc.Handle("list-kids", s.handleListKids)
	s.ipc.Handle("get-quota", s.handleGetQuota)
	s.ipc.Handle("grant-bonus", s.handleGrantBonus)
	s.ipc.Handle("reload", s.handleReload)
	s.ipc.Handle("list-timers", s.handleListTimers)
}

func (s *Supervisor) handleStatus(ctx context.Context, arg string) (any, error) {
	return map[string]any{
		"version":      s.opts.Version,
		"uptime_secs":  int(time.Since(s.startedAt).Seconds()),
		"active_users": len(s.tracker.ActiveManagedUsers()),
	}, nil
}

func (s *Supervisor) handleListKids(ctx context.Context, arg string) (any, error) {
	return s.loader.Current().ManagedUsernames(), nil
}

func (s *Supervisor) handleGetQuota(ctx context.Context, arg string) (any, error) {
	username := strings.TrimSpace(arg)
	pol := s.loader.Current()
	up, ok := pol.Resolve(username)
	if !ok {
		return nil, &adminipc.InvalidArgumentError{Detail: fmt.Sprintf("%q is not a managed user", username)}
	}
	used, err := s.tracker.UsedSeconds(ctx, username)
	if err != nil {
		return nil, err
	}
	remaining, err := s.tracker.RemainingSeconds(ctx, username)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"quota":     up.DailyQuotaSeconds,
		"used":      used,
		"remaining": remaining,
		"phase":     s.enforcer.Phase(username).String(),
	}, nil
}

func (s *Supervisor) handleGrantBonus(ctx context.Context, arg string) (any, error) {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		return nil, &adminipc.InvalidArgumentError{Detail: "expected \"<username> <minutes>\""}
	}
	username := fields[0]
	minutes, err := strconv.Atoi(fields[1])
	if err != nil || minutes < 1 || minutes > 240 {
		return nil, &adminipc.InvalidArgumentError{Detail: "minutes must be an integer in [1, 240]"}
	}
	if !s.loader.Current().IsManaged(username) {
		return nil, &adminipc.InvalidArgumentError{Detail: fmt.Sprintf("%q is not a managed user", username)}
	}
	if err := s.tracker.GrantBonus(ctx, username, minutes*60); err != nil {
		return nil, err
	}
	return map[string]any{"granted_minutes": minutes}, nil
}

func (s *Supervisor) handleReload(ctx context.Context, arg string) (any, error) {
	if err := s.loader.Reload(); err != nil {
		return nil, err
	}
	return map[string]any{"status": "reloaded"}, nil
}

func (s *Supervisor) handleListTimers(ctx context.Context, arg string) (any, error) {
	names, err := s.systemdWriter.ManagedUnitNames()
	if err != nil {
		return nil, err
	}
	return names, nil
}
