package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/config"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate guardian-daemon's configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Print the resolved policy after validation")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	pol, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "configuration valid: %s\n", configPath)

	unknown, err := findUnknownKeys(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not check for unknown keys: %v\n", err)
	}
	if len(unknown) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "warning: %d unrecognized key(s) in %s (ignored):\n", len(unknown), configPath)
		for _, key := range unknown {
			red.Fprintf(os.Stdout, "  - %s\n", key)
		}
	}

	if validateDump {
		dumpPolicy(pol)
	}
	return nil
}

// findUnknownKeys flags keys present in the file that resolveUser's
// schema (see internal/config's rawConfig) does not recognize.
// Per-user keys are checked by leaf name, since the map is keyed by
// arbitrary usernames.
func findUnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	staticKeys := map[string]bool{
		"timezone":                           true,
		"reset_time":                         true,
		"db_path":                            true,
		"ipc_socket":                         true,
		"notifications.pre_quota_minutes":    true,
		"notifications.grace_period.enabled": true,
		"notifications.grace_period.duration": true,
		"notifications.grace_period.interval": true,
	}
	userLeafKeys := map[string]bool{
		"daily_quota_minutes": true,
		"grace_minutes":       true,
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if staticKeys[key] {
			continue
		}
		if isKnownUserKey(key, "defaults", userLeafKeys) {
			continue
		}
		if isKnownUsersKey(key, userLeafKeys) {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown, nil
}

// isKnownUserKey matches "<prefix>.daily_quota_minutes",
// "<prefix>.grace_minutes", or "<prefix>.curfew.<day>".
func isKnownUserKey(key, prefix string, leaves map[string]bool) bool {
	rest := strings.TrimPrefix(key, prefix+".")
	if rest == key {
		return false
	}
	if leaves[rest] {
		return true
	}
	return strings.HasPrefix(rest, "curfew.")
}

// isKnownUsersKey matches "users.<name>.*" against the same per-user
// leaf shape, for any username.
func isKnownUsersKey(key string, leaves map[string]bool) bool {
	if !strings.HasPrefix(key, "users.") {
		return false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, "users."), ".", 2)
	if len(parts) != 2 {
		return false
	}
	leaf := parts[1]
	return leaves[leaf] || strings.HasPrefix(leaf, "curfew.")
}

func dumpPolicy(pol *policy.Policy) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 72))
	fmt.Fprintln(os.Stdout, "RESOLVED POLICY")
	fmt.Fprintln(os.Stdout, strings.Repeat("=", 72))

	cyan.Fprintln(os.Stdout, "\n[daemon]")
	green.Fprintf(os.Stdout, "  timezone      = %s\n", pol.Location)
	green.Fprintf(os.Stdout, "  reset_time    = %s\n", pol.ResetTime)
	green.Fprintf(os.Stdout, "  db_path       = %s\n", pol.DBPath)
	green.Fprintf(os.Stdout, "  ipc_socket    = %s\n", pol.IPCSocket)

	cyan.Fprintln(os.Stdout, "\n[notifications]")
	green.Fprintf(os.Stdout, "  pre_quota_warn_minutes = %v\n", pol.Notifications.PreQuotaWarnMinutes)
	green.Fprintf(os.Stdout, "  grace.enabled          = %v\n", pol.Notifications.Grace.Enabled)
	green.Fprintf(os.Stdout, "  grace.duration_seconds = %d\n", pol.Notifications.Grace.DurationSeconds)
	green.Fprintf(os.Stdout, "  grace.interval_seconds = %d\n", pol.Notifications.Grace.IntervalSeconds)

	cyan.Fprintln(os.Stdout, "\n[defaults]")
	dumpUserPolicy(pol.Defaults, green)

	names := pol.ManagedUsernames()
	sort.Strings(names)
	for _, name := range names {
		up, _ := pol.Resolve(name)
		yellow.Fprintf(os.Stdout, "\n[users.%s]\n", name)
		dumpUserPolicy(up, green)
	}
	fmt.Fprintln(os.Stdout, strings.Repeat("=", 72))
}

func dumpUserPolicy(up policy.UserPolicy, c *color.Color) {
	c.Fprintf(os.Stdout, "  daily_quota_minutes = %d\n", up.DailyQuotaSeconds/60)
	c.Fprintf(os.Stdout, "  grace_minutes       = %d\n", up.GraceSeconds/60)
	if len(up.Curfew) == 0 {
		c.Fprintln(os.Stdout, "  curfew              = (none)")
		return
	}
	days := make([]time.Weekday, 0, len(up.Curfew))
	for d := range up.Curfew {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	for _, d := range days {
		var windows []string
		for _, w := range up.Curfew[d] {
			windows = append(windows, w.String())
		}
		c.Fprintf(os.Stdout, "  curfew.%-9s = %s\n", d, strings.Join(windows, ", "))
	}
}
