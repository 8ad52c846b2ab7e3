package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlSession = 24 * time.Hour

// Store keeps session records in Redis, with a playing-status index used by
// the orphan detectors and a per-user index for lookups.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keySession(sess.ID), raw, ttlSession)
	if sess.Status == StatusPlaying {
		pipe.SAdd(ctx, keyPlaying(), sess.ID)
	} else {
		pipe.SRem(ctx, keyPlaying(), sess.ID)
	}
	if sess.Status == StatusFinished {
		pipe.SRem(ctx, keyActive(), sess.ID)
	} else {
		pipe.SAdd(ctx, keyActive(), sess.ID)
	}
	for _, p := range sess.Players {
		pipe.SAdd(ctx, keyUserIdx(p.UserID), sess.ID)
		pipe.Expire(ctx, keyUserIdx(p.UserID), ttlSession)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, keySession(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PlayingIDs returns the ids currently indexed as playing.
func (s *Store) PlayingIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyPlaying()).Result()
}

// ActiveIDs returns every unfinished session id, waiting included, so the
// orphan detectors see sessions whose worker died before the game began.
// Index members whose record expired are pruned as a side effect.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyActive()).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			_ = s.rdb.SRem(ctx, keyActive(), id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// StaleIDs returns playing sessions whose last action is older than cutoff.
// Index members whose record expired are pruned as a side effect.
func (s *Store) StaleIDs(ctx context.Context, cutoff time.Duration) ([]string, error) {
	ids, err := s.PlayingIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	now := time.Now()
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			_ = s.rdb.SRem(ctx, keyPlaying(), id).Err()
			continue
		}
		if sess.Status == StatusPlaying && now.Sub(sess.LastActionAt) > cutoff {
			out = append(out, id)
		}
	}
	return out, nil
}

// SetOwnership updates the cached ownership fields. Best-effort: callers
// treat a failure here as non-fatal since the lease key already holds truth.
func (s *Store) SetOwnership(ctx context.Context, id, workerID string, leaseExpiresAt time.Time) error {
	return s.casOwnership(ctx, id, func(sess *Session) {
		sess.OwnerWorkerID = workerID
		sess.LeaseExpiresAt = &leaseExpiresAt
		now := time.Now()
		sess.LastHeartbeatAt = &now
	})
}

// ClearOwnership drops the cached ownership fields.
func (s *Store) ClearOwnership(ctx context.Context, id string) error {
	return s.casOwnership(ctx, id, func(sess *Session) {
		sess.OwnerWorkerID = ""
		sess.LeaseExpiresAt = nil
		sess.LastHeartbeatAt = nil
	})
}

// casOwnership rewrites only the ownership fields against a watched read
// of the record, so a renewal timer firing beside the owning worker's own
// saves can never write back a stale game state. Losing the race to a
// concurrent writer skips the cache update; the lease key stays truth.
func (s *Store) casOwnership(ctx context.Context, id string, mutate func(*Session)) error {
	key := keySession(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		mutate(&sess)
		sess.UpdatedAt = time.Now()
		out, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, out, ttlSession)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err == redis.TxFailedErr {
		return nil
	}
	return err
}

// ActiveByUser returns the most recently updated waiting/playing session
// containing the user, or nil.
func (s *Store) ActiveByUser(ctx context.Context, userID string) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := s.rdb.SMembers(ctx, keyUserIdx(userID)).Result()
	if err != nil {
		return nil, err
	}
	var best *Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.Status == StatusFinished {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	return best, nil
}

func keySession(id string) string     { return "session:" + strings.TrimSpace(id) }
func keyPlaying() string              { return "session:index:playing" }
func keyActive() string               { return "session:index:active" }
func keyUserIdx(userID string) string { return "session:index:user:" + strings.TrimSpace(userID) }

// KeySession exposes the record key for transactional writers.
func KeySession(id string) string { return keySession(id) }

// KeyPlaying exposes the playing index key for transactional writers.
func KeyPlaying() string { return keyPlaying() }

// KeyActive exposes the active index key for transactional writers.
func KeyActive() string { return keyActive() }

// KeyUserIdx exposes the per-user index key for transactional writers.
func KeyUserIdx(userID string) string { return keyUserIdx(userID) }
