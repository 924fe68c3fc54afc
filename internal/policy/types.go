package policy

import (
	"fmt"
	"regexp"
	"time"
)

// UsernameRE bounds every managed username to the shape that is safe
// to interpolate into PAM rules and systemd unit names downstream.
var UsernameRE = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Window is a half-open clock-time range within a single day,
// expressed as minutes since local midnight.
type Window struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// Contains reports whether minute-of-day m falls inside the window.
func (w Window) Contains(m int) bool {
	return m >= w.StartMinute && m < w.EndMinute
}

// String renders the window in PAM HHMM-HHMM form.
func (w Window) String() string {
	return fmt.Sprintf("%04d-%04d", hhmm(w.StartMinute), hhmm(w.EndMinute))
}

func hhmm(minute int) int {
	return (minute/60)*100 + minute%60
}

// Curfew maps time.Weekday to the login windows permitted that day.
// In a non-empty Curfew, a weekday absent from the map means no login
// is permitted at all that day. An empty Curfew places no login-time
// restriction: PamWriter emits no rule and SystemdWriter no timer.
type Curfew map[time.Weekday][]Window

// UserPolicy is the fully-resolved policy for one managed user: the
// per-user config merged over Policy.Defaults.
type UserPolicy struct {
	DailyQuotaSeconds int
	Curfew            Curfew
	GraceSeconds      int
}

// GracePolicy controls the Warning -> Grace -> Terminating escalation
// once a user's quota is exhausted.
type GracePolicy struct {
	Enabled         bool
	DurationSeconds int
	IntervalSeconds int
}

// Notifications holds the pre-exhaustion warning thresholds and the
// grace-period behavior; both are global, not per-user.
type Notifications struct {
	// PreQuotaWarnMinutes is ordered descending, e.g. [15, 10, 5].
	PreQuotaWarnMinutes []int
	Grace               GracePolicy
}

// Policy is the complete typed snapshot derived from one accepted
// configuration file. It is immutable after publication; ConfigLoader
// swaps the pointer held by readers rather than mutating it in place.
type Policy struct {
	Users         map[string]UserPolicy
	Defaults      UserPolicy
	Notifications Notifications
	ResetTime     Window // only StartMinute is meaningful; a single instant.
	Location      *time.Location

	DBPath    string
	IPCSocket string
}

// IsManaged reports whether username is a key in Users. Every
// downstream producer of PAM rules or systemd units must gate on
// this before emitting a rule for the user.
func (p *Policy) IsManaged(username string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Users[username]
	return ok
}

// Resolve returns the effective UserPolicy for username, or false if
// the user is not managed. Callers must not mutate the returned
// value's maps/slices.
func (p *Policy) Resolve(username string) (UserPolicy, bool) {
	up, ok := p.Users[username]
	return up, ok
}

// ManagedUsernames returns a snapshot slice of every managed
// username, in no particular order.
func (p *Policy) ManagedUsernames() []string {
	out := make([]string, 0, len(p.Users))
	for u := range p.Users {
		out = append(out, u)
	}
	return out
}

// ResetInstantBefore returns the most recent reset instant at or
// before t, in the Policy's configured Location.
func (p *Policy) ResetInstantBefore(t time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	h, m := p.ResetTime.StartMinute/60, p.ResetTime.StartMinute%60
	candidate := time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, loc)
	if candidate.After(t) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// ResetInstantAfter returns the next reset instant strictly after t.
func (p *Policy) ResetInstantAfter(t time.Time) time.Time {
	return p.ResetInstantBefore(t).AddDate(0, 0, 1)
}
