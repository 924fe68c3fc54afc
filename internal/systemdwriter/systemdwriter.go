// Package systemdwriter implements SystemdWriter (C9): generation and
// reconciliation of the daily-reset timer and per-user curfew timers,
// grounded on the unit text of the original Python SystemdManager and
// completed with the reload/enable/start calls it left as a TODO, via
// coreos/go-systemd/v22/dbus.
package systemdwriter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/familyguardian/guardian-daemon/internal/storage"
	"github.com/rs/zerolog"
)

// ResetServiceName and ResetTimerName are the fixed daily-reset unit names.
const (
	ResetServiceName = "guardian-daily-reset.service"
	ResetTimerName   = "guardian-daily-reset.timer"

	// curfewUnitPrefix names per-user curfew units:
	// guardian-curfew@<username>.service / .timer
	curfewUnitPrefix = "guardian-curfew@"
)

var resetServiceTmpl = template.Must(template.New("reset.service").Parse(`[Unit]
Description=Guardian daily quota reset

[Service]
Type=oneshot
ExecStart=/usr/bin/guardianctl reset-quota
`))

var resetTimerTmpl = template.Must(template.New("reset.timer").Parse(`[Unit]
Description=Guardian daily quota reset timer

[Timer]
OnCalendar=*-*-* {{.ResetTime}}:00
Persistent=true

[Install]
WantedBy=timers.target
`))

var curfewServiceTmpl = template.Must(template.New("curfew.service").Parse(`[Unit]
Description=Guardian curfew enforcement for %i

[Service]
Type=oneshot
ExecStart=/usr/bin/guardianctl enforce-curfew %i
`))

var curfewTimerTmpl = template.Must(template.New("curfew.timer").Parse(`[Unit]
Description=Guardian curfew timer for {{.Username}}

[Timer]
{{range .OnCalendar}}OnCalendar={{.}}
{{end}}Persistent=true

[Install]
WantedBy=timers.target
`))

type resetTimerData struct {
	ResetTime string // HH:MM
}

type curfewTimerData struct {
	Username   string
	OnCalendar []string
}

// DesiredUnits computes the full set of unit files guardian-daemon
// should own, keyed by filename, from pol.
func DesiredUnits(pol *policy.Policy) (map[string]string, error) {
	units := make(map[string]string)

	var resetBuf bytes.Buffer
	if err := resetServiceTmpl.Execute(&resetBuf, nil); err != nil {
		return nil, err
	}
	units[ResetServiceName] = resetBuf.String()

	h, m := pol.ResetTime.StartMinute/60, pol.ResetTime.StartMinute%60
	var timerBuf bytes.Buffer
	if err := resetTimerTmpl.Execute(&timerBuf, resetTimerData{ResetTime: fmt.Sprintf("%02d:%02d", h, m)}); err != nil {
		return nil, err
	}
	units[ResetTimerName] = timerBuf.String()

	for _, username := range pol.ManagedUsernames() {
		up, _ := pol.Resolve(username)
		calendars := curfewOnCalendars(up.Curfew)
		if len(calendars) == 0 {
			continue
		}

		var svcBuf bytes.Buffer
		if err := curfewServiceTmpl.Execute(&svcBuf, nil); err != nil {
			return nil, err
		}
		units[curfewUnitPrefix+".service"] = svcBuf.String()

		var tmrBuf bytes.Buffer
		if err := curfewTimerTmpl.Execute(&tmrBuf, curfewTimerData{Username: username, OnCalendar: calendars}); err != nil {
			return nil, err
		}
		units[curfewInstanceTimerName(username)] = tmrBuf.String()
	}
	return units, nil
}

func curfewInstanceTimerName(username string) string {
	return curfewUnitPrefix + username + ".timer"
}

// curfewOnCalendars produces one systemd OnCalendar expression per
// curfew window, firing at the window's end minute (when login should
// stop being permitted).
func curfewOnCalendars(curfew policy.Curfew) []string {
	var out []string
	for weekday, windows := range curfew {
		for _, w := range windows {
			h, m := w.EndMinute/60, w.EndMinute%60
			out = append(out, fmt.Sprintf("%s *-*-* %02d:%02d:00", systemdWeekday(weekday), h, m))
		}
	}
	sort.Strings(out)
	return out
}

func systemdWeekday(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "Mon"
	case time.Tuesday:
		return "Tue"
	case time.Wednesday:
		return "Wed"
	case time.Thursday:
		return "Thu"
	case time.Friday:
		return "Fri"
	case time.Saturday:
		return "Sat"
	default:
		return "Sun"
	}
}

// Conn is the subset of *systemdDbus.Conn Writer depends on.
type Conn interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []systemdDbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]systemdDbus.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
}

// Writer owns the managed-unit directory and reconciles it against a
// Policy's desired unit set.
type Writer struct {
	dir    string
	conn   Conn
	logger zerolog.Logger

	mu sync.Mutex
}

// New constructs a Writer that manages units under dir (typically
// /etc/systemd/system) over an already-connected systemd manager bus
// connection.
func New(dir string, conn Conn, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, conn: conn, logger: logger.With().Str("component", "systemd_writer").Logger()}
}

// Reconcile writes/updates/removes unit files so the managed directory
// matches exactly the units DesiredUnits(pol) names, per §4.7.
func (w *Writer) Reconcile(ctx context.Context, pol *policy.Policy) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	desired, err := DesiredUnits(pol)
	if err != nil {
		metrics.SystemdReconcilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("systemdwriter: render units: %w", err)
	}

	present, err := w.managedUnitsOnDisk()
	if err != nil {
		metrics.SystemdReconcilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("systemdwriter: list present units: %w", err)
	}

	var changed []string
	for name, content := range desired {
		existing, err := os.ReadFile(filepath.Join(w.dir, name))
		if err == nil && string(existing) == content {
			continue
		}
		if err := atomicWriteUnit(filepath.Join(w.dir, name), content); err != nil {
			w.logger.Error().Err(err).Str("unit", name).Msg("failed to write unit; leaving prior content in place")
			continue
		}
		changed = append(changed, name)
	}

	var removed []string
	for name := range present {
		if _, ok := desired[name]; ok {
			continue
		}
		removed = append(removed, name)
	}

	if len(changed) > 0 || len(removed) > 0 {
		if err := w.reloadAndApply(ctx, changed, removed); err != nil {
			metrics.SystemdReconcilesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("systemdwriter: %w", err)
		}
		metrics.SystemdReconcilesTotal.WithLabelValues("applied").Inc()
		return nil
	}
	metrics.SystemdReconcilesTotal.WithLabelValues("noop").Inc()
	return nil
}

func (w *Writer) reloadAndApply(ctx context.Context, changed, removed []string) error {
	if w.conn == nil {
		// No bus connection (e.g. in tests): reconcile the unit files only.
		for _, name := range removed {
			if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
				w.logger.Warn().Err(err).Str("unit", name).Msg("unit file removal failed")
			}
		}
		return nil
	}
	if err := w.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	for _, name := range removed {
		if _, err := w.conn.StopUnitContext(ctx, name, "replace", nil); err != nil {
			w.logger.Warn().Err(err).Str("unit", name).Msg("stop failed during removal")
		}
		if _, err := w.conn.DisableUnitFilesContext(ctx, []string{name}, false); err != nil {
			w.logger.Warn().Err(err).Str("unit", name).Msg("disable failed during removal")
		}
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Str("unit", name).Msg("unit file removal failed")
		}
	}
	var timers []string
	for _, name := range changed {
		if strings.HasSuffix(name, ".timer") {
			timers = append(timers, name)
		}
	}
	for _, name := range timers {
		if _, _, err := w.conn.EnableUnitFilesContext(ctx, []string{name}, false, true); err != nil {
			w.logger.Warn().Err(err).Str("unit", name).Msg("enable failed")
			continue
		}
		if _, err := w.conn.StartUnitContext(ctx, name, "replace", nil); err != nil {
			w.logger.Warn().Err(err).Str("unit", name).Msg("start failed")
		}
	}
	return nil
}

// ManagedUnitNames returns the filenames of every guardian-managed
// unit currently present on disk, sorted, for AdminIpc's list-timers
// command.
func (w *Writer) ManagedUnitNames() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	present, err := w.managedUnitsOnDisk()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(present))
	for name := range present {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (w *Writer) managedUnitsOnDisk() (map[string]struct{}, error) {
	entries, err := os.ReadDir(w.dir)
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isManagedUnitName(name) {
			continue
		}
		out[name] = struct{}{}
	}
	return out, nil
}

func isManagedUnitName(name string) bool {
	return name == ResetServiceName || name == ResetTimerName ||
		strings.HasPrefix(name, curfewUnitPrefix)
}

func atomicWriteUnit(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".guardian-unit-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// CatchUpOnBoot compares the last recorded reset instant in store
// against pol's most recent reset instant as of now; if store is
// stale, it invokes onStaleReset so the caller can enqueue a synthetic
// DayRolledOver to the Enforcer without waiting for Persistent=true to
// fire the timer (§4.7 Catch-up on boot).
func CatchUpOnBoot(ctx context.Context, store storage.Store, pol *policy.Policy, now time.Time, onStaleReset func()) error {
	last, err := store.LastResetWall(ctx)
	if err != nil {
		return fmt.Errorf("systemdwriter: read last reset wall: %w", err)
	}
	mostRecent := pol.ResetInstantBefore(now)
	if last.Before(mostRecent) {
		onStaleReset()
	}
	return nil
}
