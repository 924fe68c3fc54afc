package tracker

import (
	"context"
	"time"
)

// Start launches the tracker's periodic tick loop: it flushes live
// sessions' progress to Storage once they have drifted past
// flushThreshold, and detects reset-day rollover per §4.4 step 4.
// Call Stop to shut the loop down; Start must not be called twice.
func (t *Tracker) Start(ctx context.Context) {
	go t.run(ctx)
}

// Stop halts the tick loop, waits for it to exit, then flushes every
// active session's progress to Storage.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done

	now := t.clock.Now()
	nowMono := t.clock.Monotonic()
	t.mu.Lock()
	live := make(map[string]float64, len(t.active))
	for id, rt := range t.active {
		rt.persisted = rt.liveSeconds(nowMono)
		live[id] = rt.persisted
	}
	t.mu.Unlock()
	for id, seconds := range live {
		if err := t.store.UpdateSessionProgress(context.Background(), id, seconds, now); err != nil {
			t.logger.Warn().Err(err).Str("session_id", id).Msg("failed to flush session progress on stop")
		}
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Tick(ctx)
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one iteration: day-rollover detection, then a
// flush-threshold sweep over active sessions. Rollover and flush are
// committed to Storage outside the tracker mutex so a slow write
// cannot stall event handling. Exported so callers can force a tick
// deterministically in tests instead of waiting on the real-time
// ticker started by Start.
func (t *Tracker) Tick(ctx context.Context) {
	pol := t.currentPolicy()
	now := t.clock.Now()
	nowMono := t.clock.Monotonic()

	t.mu.Lock()
	rolled := false
	next := pol.ResetInstantAfter(t.currentResetStart)
	for !now.Before(next) {
		t.currentResetStart = next
		next = pol.ResetInstantAfter(next)
		rolled = true
	}
	if rolled {
		boundaryMono := nowMono - now.Sub(t.currentResetStart)
		for _, rt := range t.active {
			rt.dayAnchorMonotonic = boundaryMono
		}
	}
	resetStart := t.currentResetStart

	type flush struct {
		id   string
		live float64
	}
	var flushes []flush
	for id, rt := range t.active {
		live := rt.liveSeconds(nowMono)
		if live-rt.persisted >= t.flushThreshold.Seconds() {
			rt.persisted = live
			flushes = append(flushes, flush{id: id, live: live})
		}
	}
	t.mu.Unlock()

	for _, f := range flushes {
		if err := t.store.UpdateSessionProgress(ctx, f.id, f.live, now); err != nil {
			t.logger.Warn().Err(err).Str("session_id", f.id).Msg("failed to flush session progress")
		}
	}

	if rolled {
		if err := t.store.SetLastResetWall(ctx, resetStart); err != nil {
			t.logger.Warn().Err(err).Msg("failed to persist last reset instant")
		}
		t.notifyRollover()
	}
}

func (t *Tracker) notifyRollover() {
	t.rolloverMu.Lock()
	subs := make([]func(), len(t.rolloverSubs))
	copy(subs, t.rolloverSubs)
	t.rolloverMu.Unlock()
	for _, cb := range subs {
		cb()
	}
}
