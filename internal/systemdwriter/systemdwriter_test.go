package systemdwriter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/familyguardian/guardian-daemon/internal/storage/bolt"
	"github.com/familyguardian/guardian-daemon/internal/systemdwriter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Users: map[string]policy.UserPolicy{
			"kid1": {
				DailyQuotaSeconds: 3600,
				Curfew: policy.Curfew{
					time.Monday: {{StartMinute: 7 * 60, EndMinute: 19 * 60}},
				},
			},
		},
		ResetTime: policy.Window{StartMinute: 3 * 60},
	}
}

type fakeConn struct {
	reloaded int
	enabled  []string
	disabled []string
	started  []string
	stopped  []string
}

func (f *fakeConn) ReloadContext(ctx context.Context) error {
	f.reloaded++
	return nil
}

func (f *fakeConn) EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []systemdDbus.EnableUnitFileChange, error) {
	f.enabled = append(f.enabled, files...)
	return false, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]systemdDbus.DisableUnitFileChange, error) {
	f.disabled = append(f.disabled, files...)
	return nil, nil
}

func (f *fakeConn) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.started = append(f.started, name)
	return 0, nil
}

func (f *fakeConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.stopped = append(f.stopped, name)
	return 0, nil
}

func TestDesiredUnitsIncludesResetAndCurfewTimers(t *testing.T) {
	units, err := systemdwriter.DesiredUnits(testPolicy())
	require.NoError(t, err)

	require.Contains(t, units, systemdwriter.ResetServiceName)
	require.Contains(t, units, systemdwriter.ResetTimerName)
	require.Contains(t, units[systemdwriter.ResetTimerName], "OnCalendar=*-*-* 03:00:00")
	require.Contains(t, units, "guardian-curfew@kid1.timer")
	require.Contains(t, units["guardian-curfew@kid1.timer"], "Mon *-*-* 19:00:00")
}

func TestReconcileWritesUnitsAndCallsEnableStart(t *testing.T) {
	dir := t.TempDir()
	conn := &fakeConn{}
	w := systemdwriter.New(dir, conn, zerolog.Nop())

	require.NoError(t, w.Reconcile(context.Background(), testPolicy()))

	data, err := os.ReadFile(filepath.Join(dir, systemdwriter.ResetTimerName))
	require.NoError(t, err)
	require.Contains(t, string(data), "OnCalendar=*-*-* 03:00:00")

	require.Equal(t, 1, conn.reloaded)
	require.Contains(t, conn.enabled, systemdwriter.ResetTimerName)
	require.Contains(t, conn.started, systemdwriter.ResetTimerName)
}

func TestReconcileRemovesUndesiredManagedUnits(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "guardian-curfew@kid9.timer")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	conn := &fakeConn{}
	w := systemdwriter.New(dir, conn, zerolog.Nop())
	require.NoError(t, w.Reconcile(context.Background(), testPolicy()))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale unit file should be removed")
	require.Contains(t, conn.stopped, "guardian-curfew@kid9.timer")
	require.Contains(t, conn.disabled, "guardian-curfew@kid9.timer")
}

func TestReconcileIsNoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	conn := &fakeConn{}
	w := systemdwriter.New(dir, conn, zerolog.Nop())
	pol := testPolicy()

	require.NoError(t, w.Reconcile(context.Background(), pol))
	firstReloads := conn.reloaded

	require.NoError(t, w.Reconcile(context.Background(), pol))
	require.Equal(t, firstReloads, conn.reloaded, "no changes should mean no daemon-reload")
}

func TestCatchUpOnBootFiresWhenStorageIsStale(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	pol := testPolicy()
	pol.Location = time.UTC

	yesterdayReset := pol.ResetInstantBefore(time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, store.SetLastResetWall(ctx, yesterdayReset))

	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	fired := false
	require.NoError(t, systemdwriter.CatchUpOnBoot(ctx, store, pol, now, func() { fired = true }))
	require.True(t, fired, "stale reset should trigger a synthetic rollover")
}

func TestCatchUpOnBootIsNoOpWhenStorageIsCurrent(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	pol := testPolicy()
	pol.Location = time.UTC

	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetLastResetWall(ctx, pol.ResetInstantBefore(now)))

	fired := false
	require.NoError(t, systemdwriter.CatchUpOnBoot(ctx, store, pol, now, func() { fired = true }))
	require.False(t, fired)
}
