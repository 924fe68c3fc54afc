package main

import (
	"fmt"
	"os"

	"github.com/familyguardian/guardian-daemon/internal/config"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "guardiand",
	Short: "Guardian-Daemon - login-time parental control daemon",
	Long: `Guardian-Daemon watches login sessions, enforces per-user daily
quotas and curfews, and reconciles PAM time restrictions and systemd
reset/curfew timers against a hot-reloadable policy file.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ResolvePath(""), "Path to configuration file")
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
