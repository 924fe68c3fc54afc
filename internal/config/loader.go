package config

import (
	"context"
	"sync"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/familyguardian/guardian-daemon/internal/policy"
	"github.com/rs/zerolog"
)

// Loader is ConfigLoader (C4): it owns the immutable Policy pointer
// and publishes new snapshots atomically per the reload algorithm in
// §4.1. A failed parse or validation always keeps the previously
// accepted snapshot in force.
type Loader struct {
	path           string
	reloadInterval time.Duration
	logger         zerolog.Logger

	mu          sync.RWMutex
	current     *policy.Policy
	lastHash    [32]byte
	subscribers []func(*policy.Policy)

	stop chan struct{}
	done chan struct{}
}

// NewLoader performs the initial load (failure here is fatal — there
// is no prior snapshot to fall back to) and returns a Loader ready to
// be started.
func NewLoader(path string, reloadInterval time.Duration, logger zerolog.Logger) (*Loader, error) {
	if reloadInterval <= 0 {
		reloadInterval = DefaultReloadInterval
	}
	l := &Loader{
		path:           path,
		reloadInterval: reloadInterval,
		logger:         logger.With().Str("component", "config_loader").Logger(),
	}

	pol, err := Load(path)
	if err != nil {
		return nil, err
	}
	hash, err := ContentHash(path)
	if err != nil {
		return nil, err
	}
	l.current = pol
	l.lastHash = hash
	return l, nil
}

// Current returns the most recently accepted Policy snapshot.
func (l *Loader) Current() *policy.Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Subscribe registers callback to be invoked, in registration order,
// every time Reload publishes a new snapshot. It is not invoked for
// the snapshot already in force at subscription time.
func (l *Loader) Subscribe(callback func(*policy.Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, callback)
}

// Reload implements the four-step algorithm of §4.1: hash, compare,
// parse-validate-build, atomically publish. It never returns an error
// to the caller that would imply the daemon should crash; callers
// that need to surface a failure (e.g. AdminIpc's "reload" command)
// inspect the returned error for logging/response purposes only.
func (l *Loader) Reload() error {
	hash, err := ContentHash(l.path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		l.logger.Warn().Err(err).Msg("config reload: could not read file, keeping prior snapshot")
		return err
	}

	l.mu.RLock()
	unchanged := hash == l.lastHash
	l.mu.RUnlock()
	if unchanged {
		metrics.ConfigReloadsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	pol, err := Load(l.path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		l.logger.Error().Err(err).Msg("config reload: rejected, keeping prior snapshot")
		return err
	}

	l.mu.Lock()
	l.current = pol
	l.lastHash = hash
	subscribers := append([]func(*policy.Policy){}, l.subscribers...)
	l.mu.Unlock()

	metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	l.logger.Info().Int("managed_users", len(pol.Users)).Msg("config reload: new snapshot accepted")
	for _, cb := range subscribers {
		cb(pol)
	}
	return nil
}

// Start runs the periodic reload loop until ctx is cancelled or Stop
// is called. It is safe to call Reload concurrently (e.g. in response
// to AdminIpc's "reload" command) while Start's ticker is running.
func (l *Loader) Start(ctx context.Context) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = l.Reload()
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic reload loop and waits for it to exit.
func (l *Loader) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
}
