// Package metrics exposes the daemon's Prometheus metrics and the
// small HTTP server that serves them, adapted from the teacher's
// metrics.Server shape (registry + /metrics + /health mux) onto
// guardian-daemon's own counters and gauges.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_sessions_opened_total",
			Help: "Total login sessions observed by SessionTracker",
		},
		[]string{"username"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_sessions_closed_total",
			Help: "Total login sessions closed by SessionTracker",
		},
		[]string{"username"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_active_sessions",
			Help: "Number of currently open managed sessions",
		},
	)

	UsageSecondsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_usage_seconds_consumed_total",
			Help: "Total accounted usage seconds, per user",
		},
		[]string{"username"},
	)

	EnforcementActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_enforcement_actions_total",
			Help: "Enforcer actions taken, by kind (warning, grace, terminate)",
		},
		[]string{"username", "action"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_notification_failures_total",
			Help: "Notification deliveries that failed",
		},
		[]string{"username"},
	)

	TerminationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_termination_failures_total",
			Help: "TerminateUser attempts that exhausted retries",
		},
		[]string{"username"},
	)

	PamReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_pam_reconciles_total",
			Help: "PamWriter.Apply invocations, by outcome",
		},
		[]string{"outcome"},
	)

	SystemdReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_systemd_reconciles_total",
			Help: "SystemdWriter.Reconcile invocations, by outcome",
		},
		[]string{"outcome"},
	)

	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_config_reloads_total",
			Help: "ConfigLoader reload attempts, by outcome",
		},
		[]string{"outcome"},
	)

	IPCCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_ipc_commands_total",
			Help: "AdminIpc commands handled, by command and outcome",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsOpened,
		SessionsClosed,
		ActiveSessions,
		UsageSecondsConsumed,
		EnforcementActionsTotal,
		NotificationFailures,
		TerminationFailures,
		PamReconcilesTotal,
		SystemdReconcilesTotal,
		ConfigReloadsTotal,
		IPCCommandsTotal,
	)
}

// Server is the metrics HTTP server.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // optional pre-created listener, e.g. systemd socket activation.
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener installs a pre-created listener instead of binding addr directly.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start runs the metrics server in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return nil
}

// Stop closes the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping metrics server")
	return s.server.Close()
}
