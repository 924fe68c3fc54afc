package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrBusy is returned when the internal write lock could not be
// acquired within the configured timeout (default 30s, per §4.2).
// Callers retry in place per the error-handling table before
// escalating to permissive mode.
var ErrBusy = errors.New("storage: busy, lock acquisition timed out")

// Store is the durable persistence layer for sessions, bonus grants,
// and a mirror of the last-accepted configuration (§4.2, §6.5).
// Implementations serialize all reads and writes through a single
// internal mutex with a bounded acquisition timeout; they never block
// a caller indefinitely.
type Store interface {
	Close() error

	// InsertSession is idempotent on (Username, ID, StartWall): a
	// second insert with the same key is a no-op, not an error.
	InsertSession(ctx context.Context, session Session) error

	// UpdateSessionProgress is atomic with respect to any concurrent
	// read of the same row.
	UpdateSessionProgress(ctx context.Context, sessionID string, accumulatedSeconds float64, lastUpdateWall time.Time) error

	// CloseSession marks a session as ended.
	CloseSession(ctx context.Context, sessionID string, endWall time.Time, accumulatedSeconds float64) error

	// ListOpenSessions returns every session with a nil EndWall, used
	// on startup to restore tracker state.
	ListOpenSessions(ctx context.Context) ([]Session, error)

	// SumUsage sums, over username's closed sessions, the wall-clock
	// overlap of each session's [StartWall, EndWall) with [since,
	// until). Open sessions are not counted. Locked time inside a
	// closed session is not subtracted.
	SumUsage(ctx context.Context, username string, since, until time.Time) (float64, error)

	// GrantBonus records a bonus-minutes grant for a given UsageDay,
	// keyed on the day's reset instant. Multiple grants for the same
	// (username, dayStartWall) accumulate.
	GrantBonus(ctx context.Context, username string, dayStartWall time.Time, seconds int) error

	// BonusSeconds returns the total bonus seconds granted for
	// (username, dayStartWall), or zero if none were granted.
	BonusSeconds(ctx context.Context, username string, dayStartWall time.Time) (int, error)

	// SyncConfig upserts the mirrored view of the last-accepted
	// configuration in a single transaction, for admin audit.
	SyncConfig(ctx context.Context, mirror map[string]string) error

	// LastResetWall returns the last recorded reset instant from the
	// meta table, or the zero time if none has been recorded.
	LastResetWall(ctx context.Context) (time.Time, error)

	// SetLastResetWall records the most recent reset instant applied.
	SetLastResetWall(ctx context.Context, t time.Time) error
}
