// Package config implements ConfigLoader (C4): resolving, parsing,
// validating and hot-reloading the daemon's YAML configuration file
// into an immutable policy.Policy snapshot.
package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultPath is used when neither an explicit path nor the
// GUARDIAN_DAEMON_CONFIG environment variable is set.
const DefaultPath = "/etc/guardian/daemon/config.yaml"

// EnvPathVar overrides DefaultPath when set, per §6.1.
const EnvPathVar = "GUARDIAN_DAEMON_CONFIG"

// DefaultReloadInterval is how often the Loader re-checks the file
// for changes, absent an explicit override (§4.1).
const DefaultReloadInterval = 300 * time.Second

// ParseError wraps a YAML/viper decode failure.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("config: parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError wraps a semantic validation failure.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("config: validation error: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// rawGracePeriod mirrors the notifications.grace_period YAML block.
type rawGracePeriod struct {
	Enabled  bool `mapstructure:"enabled"`
	Duration int  `mapstructure:"duration"` // minutes
	Interval int  `mapstructure:"interval"` // minutes
}

type rawNotifications struct {
	PreQuotaMinutes []int          `mapstructure:"pre_quota_minutes"`
	GracePeriod     rawGracePeriod `mapstructure:"grace_period"`
}

// rawUser mirrors one entry of `defaults:` or `users:`. Curfew keys
// are day names (monday..sunday, weekdays, weekend); values are
// "HH:MM-HH:MM" windows.
type rawUser struct {
	DailyQuotaMinutes *int              `mapstructure:"daily_quota_minutes"`
	Curfew            map[string]string `mapstructure:"curfew"`
	GraceMinutes      *int              `mapstructure:"grace_minutes"`
}

type rawConfig struct {
	Timezone      string             `mapstructure:"timezone" validate:"required"`
	ResetTime     string             `mapstructure:"reset_time" validate:"required"`
	DBPath        string             `mapstructure:"db_path" validate:"required"`
	IPCSocket     string             `mapstructure:"ipc_socket" validate:"required"`
	Notifications rawNotifications   `mapstructure:"notifications"`
	Defaults      rawUser            `mapstructure:"defaults"`
	Users         map[string]rawUser `mapstructure:"users"`
}

var usernamePattern = policy.UsernameRE

var dayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var weekdaySet = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
var weekendSet = []time.Weekday{time.Saturday, time.Sunday}

var windowRE = regexp.MustCompile(`^([0-2]\d):([0-5]\d)-([0-2]\d):([0-5]\d)$`)

// Load reads, parses and validates the configuration file at path,
// returning a fully-resolved policy.Policy. It performs no caching
// and no reload bookkeeping; use Loader for the daemon's long-running
// hot-reload behavior.
func Load(path string) (*policy.Policy, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &ParseError{Err: err}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	// Unmarshal drops users whose entry is an empty map (`kid2: {}`);
	// add them back with no overrides so they resolve to the defaults.
	if users, ok := v.Get("users").(map[string]any); ok {
		for name := range users {
			if _, seen := raw.Users[name]; !seen {
				if raw.Users == nil {
					raw.Users = make(map[string]rawUser)
				}
				raw.Users[name] = rawUser{}
			}
		}
	}

	warnUnknownKeys(v)

	structValidator := validator.New()
	if err := structValidator.Struct(&raw); err != nil {
		return nil, &ValidationError{Err: err}
	}

	pol, err := buildPolicy(&raw)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	return pol, nil
}

// ResolvePath applies the §4.1/§6.1 path priority: an explicit
// non-empty path wins, then GUARDIAN_DAEMON_CONFIG, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPathVar); env != "" {
		return env
	}
	return DefaultPath
}

// ContentHash returns a stable hash of the file at path, used by
// Loader to detect no-op reloads without re-parsing.
func ContentHash(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reset_time", "03:00")
	v.SetDefault("ipc_socket", "/run/guardian-daemon.sock")
	v.SetDefault("notifications.pre_quota_minutes", []int{15, 10, 5})
	v.SetDefault("notifications.grace_period.enabled", true)
	v.SetDefault("notifications.grace_period.duration", 5)
	v.SetDefault("notifications.grace_period.interval", 1)
	v.SetDefault("defaults.daily_quota_minutes", 90)
	v.SetDefault("defaults.grace_minutes", 5)
}

// warnUnknownKeys is a no-op: Load and every Loader.Reload accept
// unknown keys silently, and an unrecognized key never reaches Policy.
// Unknown keys are reported by `guardiand validate` (findUnknownKeys in
// cmd/guardiand/validate.go), which keeps its own list of known keys.
func warnUnknownKeys(v *viper.Viper) {}

func buildPolicy(raw *rawConfig) (*policy.Policy, error) {
	loc, err := time.LoadLocation(raw.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q does not resolve: %w", raw.Timezone, err)
	}

	resetWindow, err := parseInstant(raw.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("reset_time: %w", err)
	}

	defaults, err := resolveUser(raw.Defaults, policy.UserPolicy{})
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	users := make(map[string]policy.UserPolicy, len(raw.Users))
	for name, u := range raw.Users {
		if !usernamePattern.MatchString(name) {
			return nil, fmt.Errorf("users: username %q does not match %s", name, usernamePattern.String())
		}
		resolved, err := resolveUser(u, defaults)
		if err != nil {
			return nil, fmt.Errorf("users.%s: %w", name, err)
		}
		users[name] = resolved
	}

	if raw.Notifications.GracePeriod.Duration < 0 || raw.Notifications.GracePeriod.Interval < 0 {
		return nil, fmt.Errorf("notifications.grace_period: duration and interval must be >= 0")
	}
	warnMinutes := append([]int(nil), raw.Notifications.PreQuotaMinutes...)
	sortDescending(warnMinutes)

	return &policy.Policy{
		Users:    users,
		Defaults: defaults,
		Notifications: policy.Notifications{
			PreQuotaWarnMinutes: warnMinutes,
			Grace: policy.GracePolicy{
				Enabled:         raw.Notifications.GracePeriod.Enabled,
				DurationSeconds: raw.Notifications.GracePeriod.Duration * 60,
				IntervalSeconds: raw.Notifications.GracePeriod.Interval * 60,
			},
		},
		ResetTime: resetWindow,
		Location:  loc,
		DBPath:    raw.DBPath,
		IPCSocket: raw.IPCSocket,
	}, nil
}

func resolveUser(u rawUser, fallback policy.UserPolicy) (policy.UserPolicy, error) {
	result := fallback

	if u.DailyQuotaMinutes != nil {
		if *u.DailyQuotaMinutes < 0 {
			return policy.UserPolicy{}, fmt.Errorf("daily_quota_minutes must be >= 0")
		}
		result.DailyQuotaSeconds = *u.DailyQuotaMinutes * 60
	}
	if u.GraceMinutes != nil {
		if *u.GraceMinutes < 0 {
			return policy.UserPolicy{}, fmt.Errorf("grace_minutes must be >= 0")
		}
		result.GraceSeconds = *u.GraceMinutes * 60
	}
	if len(u.Curfew) > 0 {
		curfew, err := parseCurfew(u.Curfew)
		if err != nil {
			return policy.UserPolicy{}, err
		}
		result.Curfew = curfew
	}
	return result, nil
}

func parseCurfew(raw map[string]string) (policy.Curfew, error) {
	curfew := make(policy.Curfew)
	assign := func(day time.Weekday, w policy.Window) {
		curfew[day] = append(curfew[day], w)
	}

	for key, value := range raw {
		w, err := parseWindow(value)
		if err != nil {
			return nil, fmt.Errorf("curfew.%s: %w", key, err)
		}
		switch strings.ToLower(key) {
		case "weekdays":
			for _, d := range weekdaySet {
				assign(d, w)
			}
		case "weekend", "weekends":
			for _, d := range weekendSet {
				assign(d, w)
			}
		default:
			d, ok := dayNames[strings.ToLower(key)]
			if !ok {
				return nil, fmt.Errorf("curfew: unknown day key %q", key)
			}
			assign(d, w)
		}
	}
	return curfew, nil
}

func parseWindow(s string) (policy.Window, error) {
	m := windowRE.FindStringSubmatch(s)
	if m == nil {
		return policy.Window{}, fmt.Errorf("window %q must be HH:MM-HH:MM", s)
	}
	startH, _ := strconv.Atoi(m[1])
	startM, _ := strconv.Atoi(m[2])
	endH, _ := strconv.Atoi(m[3])
	endM, _ := strconv.Atoi(m[4])
	start := startH*60 + startM
	end := endH*60 + endM
	if start >= end {
		return policy.Window{}, fmt.Errorf("window %q: start must be before end", s)
	}
	return policy.Window{StartMinute: start, EndMinute: end}, nil
}

func parseInstant(s string) (policy.Window, error) {
	m := regexp.MustCompile(`^([0-2]\d):([0-5]\d)$`).FindStringSubmatch(s)
	if m == nil {
		return policy.Window{}, fmt.Errorf("%q must be HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return policy.Window{StartMinute: h*60 + mm}, nil
}

func sortDescending(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] < xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
