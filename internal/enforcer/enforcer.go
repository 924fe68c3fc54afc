// Package enforcer implements Enforcer (C7): the per-user
// Normal/Warning/Grace/Terminating/Terminated state machine that
// consumes SessionTracker's read-only snapshots and drives
// notifications and session termination, grounded on the
// mutex-guarded per-user map shape of the teacher's usage.Tracker and
// the state transitions described by the original Python Enforcer's
// enforce_user, generalized into the full state machine.
package enforcer

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/clock"
	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/rs/zerolog"
)

// Phase is a user's position in the enforcement state machine.
type Phase int

const (
	Normal Phase = iota
	Warning
	Grace
	Terminating
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Grace:
		return "grace"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultTickInterval is the periodic enforcement cadence (§4.5).
const DefaultTickInterval = 30 * time.Second

// Tracker is the subset of *tracker.Tracker the Enforcer depends on.
// Declared locally so this package does not import tracker directly,
// keeping the dependency direction Tracker -> (nothing), Enforcer ->
// Tracker-shaped-interface.
type Tracker interface {
	ActiveManagedUsers() []string
	RemainingSeconds(ctx context.Context, username string) (float64, error)
}

// Notifier delivers a single notification to a user's session-bus
// agent. Failure must never block the state machine (§7 NotificationFailed).
type Notifier interface {
	Notify(ctx context.Context, username, title, body string, urgency uint8) error
}

// Terminator ends every login session belonging to username.
type Terminator interface {
	TerminateUser(ctx context.Context, username string) error
}

type userState struct {
	phase Phase

	sentThresholds map[int]bool // pre_quota_warn_minutes already notified this day
	graceStartedAt time.Time
	lastGraceTick  time.Time
}

func newUserState() *userState {
	return &userState{sentThresholds: make(map[int]bool)}
}

func (s *userState) resetForNewDay() {
	s.phase = Normal
	s.sentThresholds = make(map[int]bool)
	s.graceStartedAt = time.Time{}
	s.lastGraceTick = time.Time{}
}

// Enforcer runs the per-user state machine described in §4.5.
type Enforcer struct {
	tracker    Tracker
	notifier   Notifier
	terminator Terminator
	clock      clock.Clock
	logger     zerolog.Logger

	policyFn func() *policy.Policy

	mu     sync.Mutex
	states map[string]*userState

	tickInterval time.Duration
	stop         chan struct{}
	done         chan struct{}
}

// New constructs an Enforcer. policyFn returns the current Policy
// snapshot on demand, mirroring the atomic-pointer pattern ConfigLoader
// publishes to every policy-consuming component.
func New(t Tracker, notifier Notifier, terminator Terminator, clk clock.Clock, policyFn func() *policy.Policy, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		tracker:      t,
		notifier:     notifier,
		terminator:   terminator,
		clock:        clk,
		policyFn:     policyFn,
		logger:       logger.With().Str("component", "enforcer").Logger(),
		states:       make(map[string]*userState),
		tickInterval: DefaultTickInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the periodic enforcement loop.
func (e *Enforcer) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop halts the enforcement loop and waits for it to exit.
func (e *Enforcer) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Enforcer) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick evaluates the state machine for every managed user with an
// active session. Exported so events (and tests) can force an
// evaluation outside the periodic cadence.
func (e *Enforcer) Tick(ctx context.Context) {
	pol := e.policyFn()
	for _, username := range e.tracker.ActiveManagedUsers() {
		e.evaluate(ctx, pol, username)
	}
}

// HandleDayRollover resets every tracked user's state machine to
// Normal, per the "any -> DayRolledOver -> Normal" transition. Intended
// to be registered with tracker.Tracker.OnDayRollover.
func (e *Enforcer) HandleDayRollover() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		st.resetForNewDay()
	}
}

// Phase returns username's current enforcement phase, Normal if unseen.
func (e *Enforcer) Phase(username string) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[username]
	if !ok {
		return Normal
	}
	return st.phase
}

func (e *Enforcer) stateFor(username string) *userState {
	st, ok := e.states[username]
	if !ok {
		st = newUserState()
		e.states[username] = st
	}
	return st
}

func (e *Enforcer) evaluate(ctx context.Context, pol *policy.Policy, username string) {
	remaining, err := e.tracker.RemainingSeconds(ctx, username)
	if err != nil {
		e.logger.Warn().Err(err).Str("username", username).Msg("could not read remaining seconds")
		return
	}
	if !pol.IsManaged(username) {
		return
	}

	e.mu.Lock()
	st := e.stateFor(username)
	phase := st.phase
	e.mu.Unlock()

	switch phase {
	case Terminating, Terminated:
		// Debounce: once terminating (or terminated), further ticks
		// never re-enter earlier states even if remaining time
		// transiently looks positive again (§4.5 Debounce).
		return
	case Grace:
		e.evaluateGrace(ctx, username, pol.Notifications.Grace)
		return
	}

	// Normal or Warning: further unnotified thresholds keep firing
	// across ticks (S1 sends both "10 minutes left" and "5 minutes
	// left" while the user stays in Warning the whole time), and
	// exhaustion is checked independently of which thresholds fired.
	e.evaluateThresholds(ctx, username, remaining, pol.Notifications.PreQuotaWarnMinutes)
	if remaining <= 0 {
		e.evaluateExhausted(ctx, username, pol.Notifications.Grace)
	}
}

// evaluateThresholds fires the single most urgent (smallest T)
// unnotified pre-quota-warning threshold whose condition is
// satisfied, and marks every other satisfied-but-skipped threshold as
// sent too, per the tie-breaking rule in §4.5.
func (e *Enforcer) evaluateThresholds(ctx context.Context, username string, remaining float64, thresholds []int) {
	e.mu.Lock()
	st := e.stateFor(username)

	var candidates []int
	for _, t := range thresholds {
		if remaining <= float64(t*60) && !st.sentThresholds[t] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		e.mu.Unlock()
		return
	}
	sort.Ints(candidates)
	fire := candidates[0]
	for _, t := range candidates {
		st.sentThresholds[t] = true
	}
	st.phase = Warning
	e.mu.Unlock()

	metrics.EnforcementActionsTotal.WithLabelValues(username, "warning").Inc()
	e.sendNotification(ctx, username, "Time almost up", minutesLeftMessage(fire))
}

// evaluateExhausted handles the Warning -> Grace/Terminating
// transition once remaining has reached zero.
func (e *Enforcer) evaluateExhausted(ctx context.Context, username string, grace policy.GracePolicy) {
	e.mu.Lock()
	st := e.stateFor(username)
	now := e.clock.Now()
	if grace.Enabled {
		st.phase = Grace
		st.graceStartedAt = now
		st.lastGraceTick = now
		e.mu.Unlock()
		metrics.EnforcementActionsTotal.WithLabelValues(username, "grace").Inc()
		e.sendNotification(ctx, username, "Grace period started", "Your time is up; a short grace period has begun.")
		return
	}
	st.phase = Terminating
	e.mu.Unlock()
	metrics.EnforcementActionsTotal.WithLabelValues(username, "terminate").Inc()
	e.terminate(ctx, username)
}

func (e *Enforcer) evaluateGrace(ctx context.Context, username string, grace policy.GracePolicy) {
	now := e.clock.Now()
	e.mu.Lock()
	st := e.stateFor(username)
	duration := time.Duration(grace.DurationSeconds) * time.Second
	interval := time.Duration(grace.IntervalSeconds) * time.Second

	if now.Sub(st.graceStartedAt) >= duration {
		st.phase = Terminating
		e.mu.Unlock()
		metrics.EnforcementActionsTotal.WithLabelValues(username, "terminate").Inc()
		e.terminate(ctx, username)
		return
	}
	if interval > 0 && now.Sub(st.lastGraceTick) >= interval {
		st.lastGraceTick = now
		e.mu.Unlock()
		e.sendNotification(ctx, username, "Grace period", "Your session will end soon.")
		return
	}
	e.mu.Unlock()
}

func (e *Enforcer) terminate(ctx context.Context, username string) {
	if err := e.terminator.TerminateUser(ctx, username); err != nil {
		metrics.TerminationFailures.WithLabelValues(username).Inc()
		e.logger.Error().Err(err).Str("username", username).Msg("termination failed; remaining in Terminating")
		return
	}
	e.sendNotification(ctx, username, "Session ending", "Your session is being terminated.")

	e.mu.Lock()
	st := e.stateFor(username)
	st.phase = Terminated
	e.mu.Unlock()
}

func (e *Enforcer) sendNotification(ctx context.Context, username, title, body string) {
	if err := e.notifier.Notify(ctx, username, title, body, 1); err != nil {
		metrics.NotificationFailures.WithLabelValues(username).Inc()
		e.logger.Warn().Err(err).Str("username", username).Msg("notification delivery failed")
	}
}

func minutesLeftMessage(t int) string {
	if t == 1 {
		return "1 minute left"
	}
	return strconv.Itoa(t) + " minutes left"
}
