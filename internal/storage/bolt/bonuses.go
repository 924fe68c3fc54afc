package bolt

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

func bonusKey(username string, dayStartWall time.Time) string {
	return fmt.Sprintf("%s/%d", username, dayStartWall.Unix())
}

// GrantBonus accumulates bonus seconds for a given UsageDay. Per §9,
// bonus grants do not carry over across day rollover: they are keyed
// on the day's own reset instant and are never read back for a
// different day.
func (s *Store) GrantBonus(ctx context.Context, username string, dayStartWall time.Time, seconds int) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := bonusKey(username, dayStartWall)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketBonuses))
		existing := 0
		if raw := b.Get([]byte(key)); raw != nil {
			var v int
			if err := unmarshal(raw, &v); err != nil {
				return err
			}
			existing = v
		}
		data, err := marshal(existing + seconds)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) BonusSeconds(ctx context.Context, username string, dayStartWall time.Time) (int, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	key := bonusKey(username, dayStartWall)
	var seconds int
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketBonuses))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		return unmarshal(raw, &seconds)
	})
	return seconds, err
}
