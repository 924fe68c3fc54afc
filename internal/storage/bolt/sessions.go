package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/storage"
	"go.etcd.io/bbolt"
)

// sessionKey mirrors the (id, start_wall) composite primary key from
// §6.5 so a re-insert of the same session is naturally idempotent.
func sessionKey(id string, startWall time.Time) string {
	return fmt.Sprintf("%s/%020d", id, startWall.UnixNano())
}

func (s *Store) InsertSession(ctx context.Context, session storage.Session) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := sessionKey(session.ID, session.StartWall)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if existing := b.Get([]byte(key)); existing != nil {
			return nil // idempotent: same (id, start_wall) already recorded.
		}
		data, err := marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) UpdateSessionProgress(ctx context.Context, sessionID string, accumulatedSeconds float64, lastUpdateWall time.Time) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		key, session, err := findSessionByID(b, sessionID)
		if err != nil {
			return err
		}
		session.AccumulatedSeconds = accumulatedSeconds
		session.LastUpdateWall = lastUpdateWall
		data, err := marshal(session)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, endWall time.Time, accumulatedSeconds float64) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		key, session, err := findSessionByID(b, sessionID)
		if err != nil {
			return err
		}
		end := endWall
		session.EndWall = &end
		session.AccumulatedSeconds = accumulatedSeconds
		session.LastUpdateWall = endWall
		data, err := marshal(session)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]storage.Session, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var open []storage.Session
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.ForEach(func(_, v []byte) error {
			var session storage.Session
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.Open() {
				open = append(open, session)
			}
			return nil
		})
	})
	return open, err
}

func (s *Store) SumUsage(ctx context.Context, username string, since, until time.Time) (float64, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var total float64
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		return b.ForEach(func(_, v []byte) error {
			var session storage.Session
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.Username != username || session.Open() {
				// Open sessions' current-day contribution is tracked
				// in-memory by the tracker; summing them here too
				// would double count against that live figure.
				return nil
			}
			total += session.Overlap(since, until)
			return nil
		})
	})
	return total, err
}

func findSessionByID(b *bbolt.Bucket, id string) ([]byte, storage.Session, error) {
	var found []byte
	var session storage.Session
	c := b.Cursor()
	prefix := []byte(id + "/")
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := unmarshal(v, &session); err != nil {
			return nil, storage.Session{}, err
		}
		found = append([]byte(nil), k...)
		if session.Open() {
			break // prefer the open session for this id if more than one row exists.
		}
	}
	if found == nil {
		return nil, storage.Session{}, storage.ErrNotFound
	}
	return found, session, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
