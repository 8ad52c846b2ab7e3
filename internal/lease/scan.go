package lease

import (
	"context"
)

// Diagnostic scans for orphan detection. These walk the active index,
// waiting sessions included, and tolerate drift between the lease layer
// and the session records; they are never used on the acquire/renew hot
// path.

// ExpiredLeases returns unfinished sessions with an owner on record whose
// lease key no longer exists, meaning the TTL lapsed with no renewal.
func (m *Manager) ExpiredLeases(ctx context.Context) ([]string, error) {
	ids, err := m.sessions.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		sess, err := m.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.OwnerWorkerID == "" {
			continue
		}
		n, err := m.rdb.Exists(ctx, keyLease(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// DeadWorkerSessions returns unfinished sessions whose recorded owner has
// no live health entry. This catches a crashed worker whose lease has not
// yet expired. Health entries diagnose orphans only; they never decide
// ownership.
func (m *Manager) DeadWorkerSessions(ctx context.Context) ([]string, error) {
	ids, err := m.sessions.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		sess, err := m.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.OwnerWorkerID == "" || sess.OwnerWorkerID == m.workerID {
			continue
		}
		alive, err := m.WorkerAlive(ctx, sess.OwnerWorkerID)
		if err != nil {
			return nil, err
		}
		if !alive {
			out = append(out, id)
		}
	}
	return out, nil
}
