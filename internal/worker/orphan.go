package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/session"
)

// End reasons recorded by orphan recovery.
const (
	ReasonAbandonment = "abandonment_timeout"
	ReasonConnection  = "connection_timeout"
	ReasonForfeit     = "forfeit"
	ReasonCompletion  = "completion"
)

func (w *Worker) orphanTick(ctx context.Context) error {
	candidates, err := w.detectOrphans(ctx)
	if err != nil {
		return err
	}
	for _, id := range candidates {
		if err := w.recoverOrphan(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// detectOrphans unions three independent detectors. The lease layer and
// the session records are only eventually consistent with each other, so
// no single scan catches every failure shape:
//  1. owners on record whose lease key expired,
//  2. playing sessions whose last action went stale,
//  3. owners on record with no live health entry.
func (w *Worker) detectOrphans(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	expired, err := w.leases.ExpiredLeases(ctx)
	if err != nil {
		return nil, err
	}
	add(expired)

	stale, err := w.sessions.StaleIDs(ctx, w.cfg.StaleAfter)
	if err != nil {
		return nil, err
	}
	add(stale)

	dead, err := w.leases.DeadWorkerSessions(ctx)
	if err != nil {
		return nil, err
	}
	add(dead)

	// sessions this worker already holds are not orphans
	owned := make(map[string]struct{})
	for _, id := range w.ownedIDs() {
		owned[id] = struct{}{}
	}
	filtered := out[:0]
	for _, id := range out {
		if _, mine := owned[id]; !mine {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) > 0 {
		obslog.L().Info("orphan_candidates",
			zap.String("worker_id", w.ID()),
			zap.Strings("session_ids", filtered),
		)
	}
	return filtered, nil
}

// recoverOrphan claims one candidate and decides its fate by how long the
// session has been without an action: past the abandonment cutoff it is
// force-ended, past the connection cutoff it is force-ended as a
// connection loss, and anything fresher is resumed as a live session that
// merely lost its worker.
func (w *Worker) recoverOrphan(ctx context.Context, sessionID string) error {
	ok, err := w.leases.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		// another worker won the claim; it is handling this one
		return nil
	}
	obslog.L().Info("orphan_claim",
		zap.String("worker_id", w.ID()),
		zap.String("session_id", sessionID),
	)

	sess, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		_, _ = w.leases.Release(ctx, sessionID)
		return nil
	}
	if sess.Status != session.StatusPlaying {
		// no live game behind the candidate; releasing also drops the
		// stale owner from the record so the detectors stop reporting it
		_, _ = w.leases.Release(ctx, sessionID)
		obslog.L().Info("orphan_cleanup",
			zap.String("worker_id", w.ID()),
			zap.String("session_id", sessionID),
			zap.String("status", string(sess.Status)),
		)
		return nil
	}

	gap := time.Since(sess.LastActionAt)
	switch {
	case gap > w.cfg.AbandonCutoff:
		obslog.L().Warn("orphan_force_end",
			zap.String("session_id", sessionID),
			zap.String("reason", ReasonAbandonment),
			zap.Duration("gap", gap),
		)
		return w.completeLoaded(ctx, sess, "", ReasonAbandonment)
	case gap > w.cfg.ConnectionCutoff:
		obslog.L().Warn("orphan_force_end",
			zap.String("session_id", sessionID),
			zap.String("reason", ReasonConnection),
			zap.Duration("gap", gap),
		)
		return w.completeLoaded(ctx, sess, "", ReasonConnection)
	default:
		// a live session with a transient worker gap; resume it
		w.trackOwned(sess)
		obslog.L().Info("orphan_resume",
			zap.String("worker_id", w.ID()),
			zap.String("session_id", sessionID),
			zap.Duration("gap", gap),
		)
		if w.hub != nil {
			payload, _ := json.Marshal(map[string]string{"kind": "session_resumed", "session_id": sessionID})
			w.hub.BroadcastRoom(ctx, sessionID, payload)
		}
		return nil
	}
}
