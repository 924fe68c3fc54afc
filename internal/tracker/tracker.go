// Package tracker implements SessionTracker (C6): the in-memory map
// of live sessions and per-user accumulated usage, anchored on
// monotonic time so usage never regresses even when the wall clock
// jumps, grounded on the mutex-guarded session map and cleanup-ticker
// shape of the teacher's usage.Tracker and the lock-interval
// accounting of the original Python SessionTracker.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/clock"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/familyguardian/guardian-daemon/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is the fixed cadence at which the tracker
	// recomputes live usage and considers flushing to storage (§4.4).
	DefaultTickInterval = 10 * time.Second
	// DefaultFlushThreshold is how much live usage may drift ahead of
	// the last persisted value before a flush is forced (§4.4).
	DefaultFlushThreshold = 15 * time.Second
	// restartAbsenceGraceCap bounds how much extra time a session
	// abandoned-at-restart may be credited for, per §4.4 step 4.
	restartAbsenceGraceCap = 60 * time.Second
)

type lockInterval struct {
	startMono time.Duration
	endMono   *time.Duration // nil while the interval is open.
}

type sessionRuntime struct {
	username       string
	startWall      time.Time
	startMonotonic time.Duration
	locked         []lockInterval
	persisted      float64

	// dayAnchorMonotonic marks where the session's contribution to the
	// *current* reset day begins. It starts equal to startMonotonic and
	// is advanced to the rollover instant each time a day boundary is
	// crossed while the session stays open, per §4.4's "split the
	// session for accounting; do not close it".
	dayAnchorMonotonic time.Duration
}

func (rt *sessionRuntime) isLocked() bool {
	return len(rt.locked) > 0 && rt.locked[len(rt.locked)-1].endMono == nil
}

// liveSecondsSince returns elapsed time since from minus all locked time
// overlapping [from, nowMono), never negative.
func (rt *sessionRuntime) liveSecondsSince(from, nowMono time.Duration) float64 {
	if from < rt.startMonotonic {
		from = rt.startMonotonic
	}
	total := (nowMono - from).Seconds()
	for _, iv := range rt.locked {
		start := iv.startMono
		if start < from {
			start = from
		}
		end := nowMono
		if iv.endMono != nil {
			end = *iv.endMono
		}
		if end > start {
			total -= (end - start).Seconds()
		}
	}
	if total < 0 {
		return 0
	}
	return total
}

// liveSeconds returns the session's full lifetime live duration,
// locked time excluded. Used for the persisted accumulated_seconds
// column, which never resets across reset-day rollovers.
func (rt *sessionRuntime) liveSeconds(nowMono time.Duration) float64 {
	return rt.liveSecondsSince(rt.startMonotonic, nowMono)
}

// dayLiveSeconds returns the session's contribution to the current
// reset day only.
func (rt *sessionRuntime) dayLiveSeconds(nowMono time.Duration) float64 {
	return rt.liveSecondsSince(rt.dayAnchorMonotonic, nowMono)
}

// Tracker is the C6 SessionTracker.
type Tracker struct {
	clock  clock.Clock
	store  storage.Store
	logger zerolog.Logger

	policy atomic.Pointer[policy.Policy]

	mu                sync.Mutex
	active            map[string]*sessionRuntime
	pendingRestore    map[string]storage.Session
	currentResetStart time.Time

	tickInterval   time.Duration
	flushThreshold time.Duration

	rolloverMu   sync.Mutex
	rolloverSubs []func()

	stop chan struct{}
	done chan struct{}
}

// New constructs a Tracker. Call Restore before Start to populate
// pending-restore bookkeeping from Storage.
func New(store storage.Store, clk clock.Clock, initial *policy.Policy, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		clock:          clk,
		store:          store,
		logger:         logger.With().Str("component", "session_tracker").Logger(),
		active:         make(map[string]*sessionRuntime),
		pendingRestore: make(map[string]storage.Session),
		tickInterval:   DefaultTickInterval,
		flushThreshold: DefaultFlushThreshold,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	t.policy.Store(initial)
	t.currentResetStart = initial.ResetInstantBefore(clk.Now())
	return t
}

// SetPolicy installs a new Policy snapshot, e.g. via ConfigLoader's
// Subscribe callback. It does not itself re-evaluate day rollover;
// the tick loop picks up the new ResetTime on its next iteration.
func (t *Tracker) SetPolicy(p *policy.Policy) {
	t.policy.Store(p)
}

func (t *Tracker) currentPolicy() *policy.Policy {
	return t.policy.Load()
}

// Restore loads open sessions from Storage in preparation for the
// first Resync, per §4.4 restart recovery step 1.
func (t *Tracker) Restore(ctx context.Context) error {
	sessions, err := t.store.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sessions {
		t.pendingRestore[s.ID] = s
	}
	return nil
}

// OnDayRollover registers a callback invoked when the tracker detects
// the current UsageDay has ended. Intended for Enforcer to reset its
// per-user state machine.
func (t *Tracker) OnDayRollover(cb func()) {
	t.rolloverMu.Lock()
	defer t.rolloverMu.Unlock()
	t.rolloverSubs = append(t.rolloverSubs, cb)
}

// UsedSeconds returns the current UsageDay's accumulated usage for
// username, combining live sessions and historical stored usage.
func (t *Tracker) UsedSeconds(ctx context.Context, username string) (float64, error) {
	t.mu.Lock()
	nowMono := t.clock.Monotonic()
	live := t.liveSecondsForUserLocked(username, nowMono)
	resetStart := t.currentResetStart
	t.mu.Unlock()

	closed, err := t.store.SumUsage(ctx, username, resetStart, t.clock.Now())
	if err != nil {
		return 0, err
	}
	return live + closed, nil
}

// RemainingSeconds returns quota - used, clamped to >= 0, including
// any bonus minutes granted for the current UsageDay.
func (t *Tracker) RemainingSeconds(ctx context.Context, username string) (float64, error) {
	pol := t.currentPolicy()
	up, ok := pol.Resolve(username)
	if !ok {
		return 0, nil
	}
	used, err := t.UsedSeconds(ctx, username)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	resetStart := t.currentResetStart
	t.mu.Unlock()
	bonus, err := t.store.BonusSeconds(ctx, username, resetStart)
	if err != nil {
		return 0, err
	}
	remaining := float64(up.DailyQuotaSeconds+bonus) - used
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// ActiveManagedUsers returns the set of managed users with at least
// one active session.
func (t *Tracker) ActiveManagedUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	for _, rt := range t.active {
		seen[rt.username] = true
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out
}

// SessionsOf returns the session ids currently active for username.
func (t *Tracker) SessionsOf(username string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rt := range t.active {
		if rt.username == username {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Tracker) liveSecondsForUserLocked(username string, nowMono time.Duration) float64 {
	var total float64
	for _, rt := range t.active {
		if rt.username == username {
			total += rt.dayLiveSeconds(nowMono)
		}
	}
	return total
}

// GrantBonus persists bonus seconds for the current UsageDay and
// applies them immediately (§4.8 grant-bonus command).
func (t *Tracker) GrantBonus(ctx context.Context, username string, seconds int) error {
	t.mu.Lock()
	resetStart := t.currentResetStart
	t.mu.Unlock()
	return t.store.GrantBonus(ctx, username, resetStart, seconds)
}
