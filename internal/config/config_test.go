package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/config"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const validYAML = `
timezone: "Europe/Berlin"
reset_time: "03:00"
db_path: "/var/lib/guardian/guardian.sqlite"
ipc_socket: "/run/guardian-daemon.sock"
notifications:
  pre_quota_minutes: [15, 10, 5]
  grace_period: { enabled: true, duration: 5, interval: 1 }
defaults:
  daily_quota_minutes: 90
  curfew: { weekdays: "08:00-20:00", saturday: "08:00-22:00", sunday: "09:00-20:00" }
  grace_minutes: 5
users:
  kid1:
    daily_quota_minutes: 60
    curfew: { weekdays: "07:30-19:30" }
  kid2: {}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	pol, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, pol.Users, 2)
	kid1, ok := pol.Resolve("kid1")
	require.True(t, ok)
	require.Equal(t, 60*60, kid1.DailyQuotaSeconds)

	kid2, ok := pol.Resolve("kid2")
	require.True(t, ok)
	require.Equal(t, 90*60, kid2.DailyQuotaSeconds, "kid2 inherits defaults.daily_quota_minutes")

	require.Equal(t, []int{15, 10, 5}, pol.Notifications.PreQuotaWarnMinutes)
	require.Equal(t, 5*60, pol.Notifications.Grace.DurationSeconds)
}

func TestLoadRejectsInvalidUsername(t *testing.T) {
	bad := `
timezone: "UTC"
reset_time: "03:00"
db_path: "/var/lib/guardian/guardian.sqlite"
ipc_socket: "/run/guardian-daemon.sock"
users:
  Bad-Name!: {}
`
	path := writeConfig(t, bad)
	_, err := config.Load(path)
	require.Error(t, err)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoadRejectsBadCurfewWindow(t *testing.T) {
	bad := `
timezone: "UTC"
reset_time: "03:00"
db_path: "/var/lib/guardian/guardian.sqlite"
ipc_socket: "/run/guardian-daemon.sock"
users:
  kid1:
    curfew: { weekdays: "20:00-08:00" }
`
	path := writeConfig(t, bad)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsSyntacticallyInvalidYAML(t *testing.T) {
	path := writeConfig(t, "timezone: [unclosed")
	_, err := config.Load(path)
	require.Error(t, err)
	var perr *config.ParseError
	require.ErrorAs(t, err, &perr)
}

// TestLoaderReloadKeepsPriorSnapshotOnInvalidYAML mirrors scenario S6:
// a reload with syntactically invalid YAML must not replace the
// currently-published Policy.
func TestLoaderReloadKeepsPriorSnapshotOnInvalidYAML(t *testing.T) {
	path := writeConfig(t, validYAML)
	loader, err := config.NewLoader(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	before := loader.Current()
	require.NotNil(t, before)

	require.NoError(t, os.WriteFile(path, []byte("timezone: [unclosed"), 0644))
	err = loader.Reload()
	require.Error(t, err)

	after := loader.Current()
	require.Same(t, before, after, "invalid reload must not replace the accepted snapshot")
}

func TestLoaderReloadSkipsUnchangedFile(t *testing.T) {
	path := writeConfig(t, validYAML)
	loader, err := config.NewLoader(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	before := loader.Current()
	require.NoError(t, loader.Reload())
	require.Same(t, before, loader.Current())
}

func TestLoaderReloadPublishesAndNotifiesSubscribers(t *testing.T) {
	path := writeConfig(t, validYAML)
	loader, err := config.NewLoader(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	var notifiedUsers int
	loader.Subscribe(func(p *policy.Policy) { notifiedUsers = len(p.Users) })

	updated := validYAML + "# bump\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	require.NoError(t, loader.Reload())
	require.Equal(t, 2, notifiedUsers)
}
