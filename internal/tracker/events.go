package tracker

import (
	"context"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/loginsource"
	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/storage"
)

// HandleEvent processes one LoginSource event under the tracker's
// single coarse mutex, per §4.4/§5. Storage writes happen inline so a
// subsequent UsedSeconds call always observes a consistent view.
func (t *Tracker) HandleEvent(ctx context.Context, ev loginsource.Event) {
	switch ev.Kind {
	case loginsource.NewSession:
		t.handleNewSession(ctx, ev.SessionID, ev.Username)
	case loginsource.RemovedSession:
		t.handleRemoved(ctx, ev.SessionID)
	case loginsource.Locked:
		t.handleLock(ctx, ev.SessionID, true)
	case loginsource.Unlocked:
		t.handleLock(ctx, ev.SessionID, false)
	case loginsource.Resync:
		t.handleResync(ctx, ev.Sessions)
	}
}

func (t *Tracker) handleNewSession(ctx context.Context, id, username string) {
	pol := t.currentPolicy()
	if !pol.IsManaged(username) {
		return
	}

	t.mu.Lock()
	if _, exists := t.active[id]; exists {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	nowMono := t.clock.Monotonic()
	t.active[id] = &sessionRuntime{username: username, startWall: now, startMonotonic: nowMono, dayAnchorMonotonic: nowMono}
	t.mu.Unlock()

	metrics.SessionsOpened.WithLabelValues(username).Inc()
	metrics.ActiveSessions.Inc()
	_ = t.store.InsertSession(ctx, sessionRecord(id, username, now, now, 0))
}

func (t *Tracker) handleRemoved(ctx context.Context, id string) {
	t.mu.Lock()
	rt, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	nowMono := t.clock.Monotonic()
	live := rt.liveSeconds(nowMono)
	username := rt.username
	delete(t.active, id)
	t.mu.Unlock()

	metrics.SessionsClosed.WithLabelValues(username).Inc()
	metrics.ActiveSessions.Dec()
	metrics.UsageSecondsConsumed.WithLabelValues(username).Add(live)

	now := t.clock.Now()
	_ = t.store.CloseSession(ctx, id, now, live)
}

// handleLock is idempotent: Locked while already locked, or Unlocked
// while not locked, is a no-op logged at WARN, since Resync may
// legitimately re-report a state the tracker already holds.
func (t *Tracker) handleLock(ctx context.Context, id string, locked bool) {
	t.mu.Lock()
	rt, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	nowMono := t.clock.Monotonic()
	switch {
	case locked && rt.isLocked():
		t.logger.Warn().Str("session_id", id).Msg("received Locked for an already-locked session")
		t.mu.Unlock()
		return
	case locked:
		rt.locked = append(rt.locked, lockInterval{startMono: nowMono})
	case !locked && !rt.isLocked():
		t.logger.Warn().Str("session_id", id).Msg("received Unlocked for a session that was not locked")
		t.mu.Unlock()
		return
	default:
		end := nowMono
		rt.locked[len(rt.locked)-1].endMono = &end
	}
	live := rt.liveSeconds(nowMono)
	rt.persisted = live
	now := t.clock.Now()
	t.mu.Unlock()

	_ = t.store.UpdateSessionProgress(ctx, id, live, now)
}

// pendingWrite is a Storage operation deferred until after handleResync
// releases the tracker mutex, so a slow write never blocks event
// handling for the sessions that don't need one.
type pendingWrite func(context.Context, storage.Store) error

func (t *Tracker) handleResync(ctx context.Context, sessions []loginsource.SessionInfo) {
	t.mu.Lock()

	present := make(map[string]loginsource.SessionInfo, len(sessions))
	for _, s := range sessions {
		present[s.ID] = s
	}

	nowMono := t.clock.Monotonic()
	now := t.clock.Now()

	var writes []pendingWrite

	// Sessions Resync reports: adopt (from pendingRestore or fresh),
	// or reconcile lock state if already tracked.
	for id, info := range present {
		if rt, ok := t.active[id]; ok {
			t.reconcileLockedLocked(rt, info.Locked, nowMono)
			continue
		}
		if stored, ok := t.pendingRestore[id]; ok {
			t.adoptFromStorageLocked(id, stored, info, nowMono)
			delete(t.pendingRestore, id)
			continue
		}
		pol := t.currentPolicy()
		if !pol.IsManaged(info.Username) {
			continue
		}
		rt := &sessionRuntime{username: info.Username, startWall: now, startMonotonic: nowMono, dayAnchorMonotonic: nowMono}
		if info.Locked {
			rt.locked = append(rt.locked, lockInterval{startMono: nowMono})
		}
		t.active[id] = rt
		id, username := id, info.Username
		writes = append(writes, func(ctx context.Context, store storage.Store) error {
			return store.InsertSession(ctx, sessionRecord(id, username, now, now, 0))
		})
	}

	// Sessions previously pending restore that Resync did not
	// confirm: close them per step 4, crediting at most
	// restartAbsenceGraceCap beyond their last recorded update.
	for id, stored := range t.pendingRestore {
		end := stored.LastUpdateWall.Add(restartAbsenceGraceCap)
		if end.After(now) {
			end = now
		}
		delete(t.pendingRestore, id)
		id, end, accumulated := id, end, stored.AccumulatedSeconds
		writes = append(writes, func(ctx context.Context, store storage.Store) error {
			return store.CloseSession(ctx, id, end, accumulated)
		})
	}

	// In-memory sessions Resync no longer reports: logind considers
	// them gone without having told us via SessionRemoved; close
	// them best-effort now.
	for id, rt := range t.active {
		if _, ok := present[id]; ok {
			continue
		}
		live := rt.liveSeconds(nowMono)
		delete(t.active, id)
		id, live := id, live
		writes = append(writes, func(ctx context.Context, store storage.Store) error {
			return store.CloseSession(ctx, id, now, live)
		})
	}

	t.mu.Unlock()

	for _, write := range writes {
		if err := write(ctx, t.store); err != nil {
			t.logger.Warn().Err(err).Msg("resync: storage write failed")
		}
	}
}

func (t *Tracker) reconcileLockedLocked(rt *sessionRuntime, locked bool, nowMono time.Duration) {
	if locked == rt.isLocked() {
		return
	}
	if locked {
		rt.locked = append(rt.locked, lockInterval{startMono: nowMono})
	} else {
		end := nowMono
		rt.locked[len(rt.locked)-1].endMono = &end
	}
}

// adoptFromStorageLocked implements §4.4 restart-recovery step 3: the
// new monotonic anchor is chosen so that live_seconds(now) equals the
// already-accumulated total from storage, preserving the invariant
// that usage never regresses even across a backward wall-clock jump.
func (t *Tracker) adoptFromStorageLocked(id string, stored storage.Session, info loginsource.SessionInfo, nowMono time.Duration) {
	anchor := nowMono - durationFromSeconds(stored.AccumulatedSeconds)
	rt := &sessionRuntime{username: stored.Username, startWall: stored.StartWall, startMonotonic: anchor, dayAnchorMonotonic: anchor}
	if info.Locked {
		rt.locked = append(rt.locked, lockInterval{startMono: nowMono})
	}
	t.active[id] = rt
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func sessionRecord(id, username string, start, lastUpdate time.Time, accumulated float64) storage.Session {
	return storage.Session{ID: id, Username: username, StartWall: start, LastUpdateWall: lastUpdate, AccumulatedSeconds: accumulated}
}
