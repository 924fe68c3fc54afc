package main

import (
	"context"
	"os"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pamConfigPath  string
	systemdUnitDir string
	metricsAddr    string
	adminGroupName string
	logFormat      string
	logLevel       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the guardian daemon",
	Long:  `Start guardian-daemon's login-watching, enforcement, and reconciliation loops.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&pamConfigPath, "pam-config", "/etc/security/time.conf", "Path to the PAM time-restrictions file PamWriter manages")
	serverCmd.Flags().StringVar(&systemdUnitDir, "systemd-unit-dir", "/etc/systemd/system", "Directory SystemdWriter manages reset/curfew units in")
	serverCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9091", "Listen address for the Prometheus metrics endpoint")
	serverCmd.Flags().StringVar(&adminGroupName, "admin-group", "guardian-admin", "POSIX group permitted to use the admin IPC socket")
	serverCmd.Flags().StringVar(&logFormat, "log-format", "json", "Log output format: json or text")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel, logFormat)
	log.Logger = logger

	sup := supervisor.New(supervisor.Options{
		ConfigPath:      configPath,
		PamConfigPath:   pamConfigPath,
		SystemdUnitDir:  systemdUnitDir,
		MetricsAddr:     metricsAddr,
		AdminGroupName:  adminGroupName,
		ConfigReloadInt: 5 * time.Minute,
		Version:         version,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return sup.Run(ctx)
}

func setupLogger(level, format string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
