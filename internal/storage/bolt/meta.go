package bolt

import (
	"context"
	"time"

	"go.etcd.io/bbolt"
)

// SyncConfig upserts the mirrored view of the last-accepted
// configuration, one key/value pair per bucket entry, in a single
// transaction (§4.1, §6.5 config_mirror table).
func (s *Store) SyncConfig(ctx context.Context, mirror map[string]string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketConfigMirror))
		// Clear stale keys from a previous, larger snapshot before
		// writing the new one so removed config keys do not linger.
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for k, v := range mirror {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LastResetWall(ctx context.Context) (time.Time, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	var t time.Time
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketMeta))
		raw := b.Get([]byte(metaKeyLastResetWall))
		if raw == nil {
			return nil
		}
		return unmarshal(raw, &t)
	})
	return t, err
}

func (s *Store) SetLastResetWall(ctx context.Context, t time.Time) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketMeta))
		return b.Put([]byte(metaKeyLastResetWall), data)
	})
}
