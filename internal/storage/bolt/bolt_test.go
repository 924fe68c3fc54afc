package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/storage"
	"github.com/familyguardian/guardian-daemon/internal/storage/bolt"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *bolt.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.db")
	store, err := bolt.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertSessionIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	session := storage.Session{ID: "sess-1", Username: "kid1", StartWall: start}
	require.NoError(t, store.InsertSession(ctx, session))
	require.NoError(t, store.InsertSession(ctx, session))

	open, err := store.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestUpdateAndCloseSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertSession(ctx, storage.Session{ID: "sess-2", Username: "kid1", StartWall: start}))
	require.NoError(t, store.UpdateSessionProgress(ctx, "sess-2", 120, start.Add(2*time.Minute)))

	open, err := store.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, float64(120), open[0].AccumulatedSeconds)

	end := start.Add(5 * time.Minute)
	require.NoError(t, store.CloseSession(ctx, "sess-2", end, 300))

	open, err = store.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, open)

	used, err := store.SumUsage(ctx, "kid1", start, end.Add(time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 300, used, 1)
}

func TestUpdateSessionProgressUnknownReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.UpdateSessionProgress(ctx, "missing", 10, time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBonusesDoNotLeakAcrossDays(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	require.NoError(t, store.GrantBonus(ctx, "kid1", day1, 30*60))
	require.NoError(t, store.GrantBonus(ctx, "kid1", day1, 10*60))

	seconds, err := store.BonusSeconds(ctx, "kid1", day1)
	require.NoError(t, err)
	require.Equal(t, 40*60, seconds)

	seconds, err = store.BonusSeconds(ctx, "kid1", day2)
	require.NoError(t, err)
	require.Zero(t, seconds)
}

func TestSyncConfigAcceptsSuccessiveSnapshots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SyncConfig(ctx, map[string]string{"reset_time": "03:00", "timezone": "UTC"}))
	require.NoError(t, store.SyncConfig(ctx, map[string]string{"reset_time": "04:00"}))
	// SyncConfig also deletes keys absent from the new snapshot
	// ("timezone" here), but Store has no read-back for the mirror, so
	// this test checks only that both syncs succeed.
}

func TestLastResetWallRoundTrips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.LastResetWall(ctx)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	want := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetLastResetWall(ctx, want))

	got, err = store.LastResetWall(ctx)
	require.NoError(t, err)
	require.True(t, want.Equal(got))
}
