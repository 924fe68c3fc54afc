package tracker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/clock"
	"github.com/familyguardian/guardian-daemon/internal/loginsource"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/familyguardian/guardian-daemon/internal/storage"
	"github.com/familyguardian/guardian-daemon/internal/storage/bolt"
	"github.com/familyguardian/guardian-daemon/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Users: map[string]policy.UserPolicy{
			"kid1": {DailyQuotaSeconds: 3600},
		},
		Defaults:  policy.UserPolicy{DailyQuotaSeconds: 3600},
		ResetTime: policy.Window{StartMinute: 3 * 60},
		Location:  time.UTC,
	}
}

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestLockDuringCountdownExcludesLockedTime mirrors scenario S2: time
// spent locked never counts toward used_seconds.
func TestLockDuringCountdownExcludesLockedTime(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC))
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop())

	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.NewSession, SessionID: "s1", Username: "kid1"})

	clk.Advance(5 * time.Minute)
	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Locked, SessionID: "s1"})
	clk.Advance(10 * time.Minute) // locked, must not count
	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Unlocked, SessionID: "s1"})
	clk.Advance(5 * time.Minute)

	used, err := tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 10*60, used, 0.01)
}

// TestRedundantLockIsIdempotent exercises the no-op-with-warning
// behavior for a Locked event on an already-locked session.
func TestRedundantLockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC))
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop())

	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.NewSession, SessionID: "s1", Username: "kid1"})
	clk.Advance(time.Minute)
	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Locked, SessionID: "s1"})
	clk.Advance(time.Minute)
	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Locked, SessionID: "s1"}) // redundant
	clk.Advance(time.Minute)
	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Unlocked, SessionID: "s1"})

	used, err := tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 60, used, 0.01)
}

// TestRestartRecoveryAdoptsStoredProgress mirrors scenario S3: a
// session that was open before restart is adopted from Storage via a
// monotonic anchor so its already-accumulated seconds are preserved,
// and future live accounting continues seamlessly from there.
func TestRestartRecoveryAdoptsStoredProgress(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	start := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertSession(ctx, storage.Session{ID: "s1", Username: "kid1", StartWall: start, LastUpdateWall: start}))
	require.NoError(t, store.UpdateSessionProgress(ctx, "s1", 20*60, start.Add(20*time.Minute)))

	clk := clock.NewFakeClock(start.Add(25 * time.Minute)) // daemon was down 5 min
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop())
	require.NoError(t, tr.Restore(ctx))

	tr.HandleEvent(ctx, loginsource.Event{
		Kind: loginsource.Resync,
		Sessions: []loginsource.SessionInfo{
			{ID: "s1", Username: "kid1", Locked: false},
		},
	})

	used, err := tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 20*60, used, 0.01, "adopted session must preserve its accumulated total, not restart from zero")

	clk.Advance(time.Minute)
	used, err = tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 21*60, used, 0.01, "live accounting must continue seamlessly from the adopted anchor")
}

// TestRestartRecoveryClosesUnconfirmedSessions covers the branch of
// S3 where a pending-restore session is not confirmed by the first
// Resync: it must be closed, crediting at most restartAbsenceGraceCap
// beyond its last recorded update.
func TestRestartRecoveryClosesUnconfirmedSessions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	start := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertSession(ctx, storage.Session{ID: "s1", Username: "kid1", StartWall: start, LastUpdateWall: start}))
	require.NoError(t, store.UpdateSessionProgress(ctx, "s1", 20*60, start.Add(20*time.Minute)))

	clk := clock.NewFakeClock(start.Add(2 * time.Hour))
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop())
	require.NoError(t, tr.Restore(ctx))

	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.Resync})

	open, err := store.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, open, "unconfirmed sessions must be closed, not left open indefinitely")
}

// TestDayRolloverSplitsActiveSessionWithoutClosing mirrors scenario
// S4: a session spanning the reset boundary keeps contributing to the
// old day up to the boundary and starts the new day at zero, without
// ever being closed. Tick is invoked directly rather than through
// Start's real-time ticker, since the fake clock does not drive it.
func TestDayRolloverSplitsActiveSessionWithoutClosing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 3, 2, 50, 0, 0, time.UTC))
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop()) // reset at 03:00

	var rolledOver int
	tr.OnDayRollover(func() { rolledOver++ })

	tr.HandleEvent(ctx, loginsource.Event{Kind: loginsource.NewSession, SessionID: "s1", Username: "kid1"})

	clk.Advance(10 * time.Minute) // now 03:00: session has run 10 min pre-rollover
	tr.Tick(ctx)
	require.Equal(t, 1, rolledOver)

	usedOldDayBoundary, err := tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 0, usedOldDayBoundary, 0.01, "the new day's usage must start at zero at the instant of rollover")

	clk.Advance(10 * time.Minute) // 03:10: 10 min into the new day
	usedNewDay, err := tr.UsedSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 10*60, usedNewDay, 0.01)

	open, err := store.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "the session must remain open across the rollover, not be closed and reopened")
}

// TestGrantBonusExtendsRemainingSeconds exercises the admin
// grant-bonus path (§4.8): granted seconds add directly to the
// current day's remaining budget.
func TestGrantBonusExtendsRemainingSeconds(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC))
	tr := tracker.New(store, clk, testPolicy(), zerolog.Nop()) // kid1 quota 3600s

	remaining, err := tr.RemainingSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 3600, remaining, 0.01)

	require.NoError(t, tr.GrantBonus(ctx, "kid1", 15*60))

	remaining, err = tr.RemainingSeconds(ctx, "kid1")
	require.NoError(t, err)
	require.InDelta(t, 3600+15*60, remaining, 0.01)
}
