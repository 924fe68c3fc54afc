// Package bolt implements storage.Store on top of go.etcd.io/bbolt,
// following the bucket-per-table, generic-helper pattern of the
// teacher's usage store.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions     = "sessions"
	bucketBonuses      = "bonuses"
	bucketConfigMirror = "config_mirror"
	bucketMeta         = "meta"

	metaKeyLastResetWall = "last_reset_wall"

	// lockTimeout bounds how long a caller waits to acquire the
	// store's serialization lock before StorageError::Busy surfaces,
	// per §4.2.
	lockTimeout = 30 * time.Second
)

// Store implements storage.Store on a single bbolt database file. All
// operations are serialized through lockGate so readers and writers
// never interleave in a way that could observe a torn update; bbolt
// itself already serializes writers, but lockGate additionally bounds
// how long a caller waits before giving up with ErrBusy instead of
// blocking indefinitely.
type Store struct {
	db   *bbolt.DB
	gate chan struct{}
}

// Open opens (creating if absent) a bbolt-backed store at path and
// ensures the sessions/bonuses/config_mirror/meta buckets exist.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure storage dir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	s := &Store{db: db, gate: make(chan struct{}, 1)}
	s.gate <- struct{}{}

	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketBonuses, bucketConfigMirror, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire blocks until the serialization gate is free or ctx/timeout
// expires, in which case it returns storage.ErrBusy.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()
	select {
	case <-s.gate:
		return func() { s.gate <- struct{}{} }, nil
	case <-timer.C:
		return nil, storage.ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}
