// Package pamwriter implements PamWriter (C8): the guardian-owned
// block inside the PAM time-config file that restricts managed users
// to their curfew windows while leaving everything else untouched,
// grounded on the backup-then-rewrite shape of the original Python
// PamManager, re-expressed with atomic temp-file-then-rename commits
// and bounded backup retention per §4.6.
package pamwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/rs/zerolog"
)

const (
	blockStart = "# >>> guardian managed — do not edit >>>"
	blockEnd   = "# <<< guardian managed <<<"

	// ManagedGroup is the POSIX group every managed user must belong
	// to; the default-permit rule exempts everyone outside it.
	ManagedGroup = "guardian-managed"

	// DefaultMaxBackups is how many timestamped backups Writer retains
	// alongside the live file, per §4.6 step 4.
	DefaultMaxBackups = 5
)

var weekdayCode = map[time.Weekday]string{
	time.Monday:    "Mo",
	time.Tuesday:   "Tu",
	time.Wednesday: "We",
	time.Thursday:  "Th",
	time.Friday:    "Fr",
	time.Saturday:  "Sa",
	time.Sunday:    "Su",
}

var weekdayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// Writer manages the guardian-owned block within a single PAM
// time-config file.
type Writer struct {
	path       string
	maxBackups int
	logger     zerolog.Logger

	mu sync.Mutex
}

// New constructs a Writer for the PAM time-config file at path.
func New(path string, logger zerolog.Logger) *Writer {
	return &Writer{path: path, maxBackups: DefaultMaxBackups, logger: logger.With().Str("component", "pam_writer").Logger()}
}

// Apply renders pol's curfew rules and commits them into path,
// preserving every non-guardian line byte-for-byte (§4.6, invariant 3).
func (w *Writer) Apply(pol *policy.Policy) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := readFileOrEmpty(w.path)
	if err != nil {
		metrics.PamReconcilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("pamwriter: read existing file: %w", err)
	}

	rendered := render(pol)
	updated, err := spliceBlock(existing, rendered)
	if err != nil {
		metrics.PamReconcilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("pamwriter: %w", err)
	}
	if updated == existing {
		metrics.PamReconcilesTotal.WithLabelValues("noop").Inc()
		return nil // no-op: identical content, no need to touch the file.
	}

	if err := w.backup(existing); err != nil {
		w.logger.Warn().Err(err).Msg("failed to snapshot backup before write")
	}

	if err := atomicWrite(w.path, updated); err != nil {
		metrics.PamReconcilesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("pamwriter: atomic write failed, prior file left in place: %w", err)
	}
	metrics.PamReconcilesTotal.WithLabelValues("applied").Inc()
	return nil
}

// render builds the guardian-managed block body (without delimiters)
// for pol: a default-permit rule for everyone outside ManagedGroup,
// followed by one curfew rule per managed user, in sorted username
// order for deterministic, idempotent output.
func render(pol *policy.Policy) []string {
	lines := []string{
		fmt.Sprintf("*;*;!@%s;Al0000-2400", ManagedGroup),
	}
	for _, username := range sortedUsers(pol) {
		up, _ := pol.Resolve(username)
		windows := renderWindows(up.Curfew)
		if windows == "" {
			continue // no curfew: no rule, so pam_time does not restrict this user.
		}
		lines = append(lines, fmt.Sprintf("*;*;%s;%s", username, windows))
	}
	return lines
}

func sortedUsers(pol *policy.Policy) []string {
	users := pol.ManagedUsernames()
	sort.Strings(users)
	return users
}

func renderWindows(curfew policy.Curfew) string {
	var parts []string
	for _, day := range weekdayOrder {
		for _, win := range curfew[day] {
			parts = append(parts, weekdayCode[day]+win.String())
		}
	}
	return strings.Join(parts, "&")
}

// spliceBlock replaces the content of the guardian-managed block in
// existing with body, or appends a new block if none is present.
// Everything outside the delimiters is preserved verbatim.
func spliceBlock(existing string, body []string) (string, error) {
	lines := splitLines(existing)

	startIdx, endIdx := -1, -1
	for i, l := range lines {
		if l == blockStart {
			startIdx = i
		}
		if l == blockEnd {
			endIdx = i
		}
	}
	switch {
	case startIdx == -1 && endIdx == -1:
		// No existing block: append one.
		var out []string
		out = append(out, lines...)
		if len(out) > 0 && out[len(out)-1] != "" {
			out = append(out, "")
		}
		out = append(out, blockStart)
		out = append(out, body...)
		out = append(out, blockEnd)
		return strings.Join(out, "\n") + "\n", nil
	case startIdx == -1 || endIdx == -1 || endIdx < startIdx:
		return "", fmt.Errorf("malformed guardian block: unbalanced delimiters")
	default:
		var out []string
		out = append(out, lines[:startIdx+1]...)
		out = append(out, body...)
		out = append(out, lines[endIdx:]...)
		return strings.Join(out, "\n") + "\n", nil
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func readFileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// atomicWrite commits content to path via a sibling temp file, fsync,
// and rename, so a crash mid-write never leaves a torn file (§4.6 step 3).
func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".guardian-pam-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds.

	if fi, statErr := os.Stat(path); statErr == nil {
		_ = tmp.Chmod(fi.Mode())
	} else {
		_ = tmp.Chmod(0644)
	}

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

// backup snapshots the current file content under a timestamped name
// before an overwrite, then prunes to maxBackups, oldest first.
func (w *Writer) backup(content string) error {
	if content == "" {
		return nil // nothing to back up on first write.
	}
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s.bak", base, time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.WriteFile(backupPath, []byte(content), 0644); err != nil {
		return err
	}
	return w.pruneBackups(dir, base)
}

func (w *Writer) pruneBackups(dir, base string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	prefix := base + "."
	var backups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".bak") {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups) // timestamp-formatted names sort chronologically.
	for len(backups) > w.maxBackups {
		if err := os.Remove(filepath.Join(dir, backups[0])); err != nil {
			w.logger.Warn().Err(err).Str("file", backups[0]).Msg("failed to prune old PAM backup")
		}
		backups = backups[1:]
	}
	return nil
}
