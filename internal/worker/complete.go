package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/rating"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
)

// CompleteSession finalizes a session this worker owns: rating updates,
// match-result rows, lease release, and a room broadcast.
func (w *Worker) CompleteSession(ctx context.Context, sessionID, winnerID, method string) error {
	sess, err := w.requireOwned(ctx, sessionID)
	if err != nil {
		return err
	}
	return w.completeLoaded(ctx, sess, winnerID, method)
}

// Forfeit ends the session with the forfeiting player's opponent winning.
func (w *Worker) Forfeit(ctx context.Context, sessionID, userID string) error {
	sess, err := w.requireOwned(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.HasPlayer(userID) {
		return fmt.Errorf("user %s not in session %s", userID, sessionID)
	}
	return w.completeLoaded(ctx, sess, sess.OpponentOf(userID), ReasonForfeit)
}

func (w *Worker) completeLoaded(ctx context.Context, sess *session.Session, winnerID, method string) error {
	now := time.Now()
	durationMS := now.Sub(sess.CreatedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	results := buildResults(sess, winnerID, method, now, durationMS)
	if w.results != nil {
		for _, r := range results {
			// result persistence is best-effort; session teardown proceeds
			if err := w.results.SaveMatchResult(ctx, r); err != nil {
				obslog.L().Error("result_persist_error",
					zap.String("session_id", sess.ID),
					zap.String("user_id", r.UserID),
					zap.Error(err),
				)
				continue
			}
			if r.RatingAfter != r.RatingBefore {
				if err := w.results.UpdateUserRating(ctx, r.UserID, r.RatingAfter); err != nil {
					obslog.L().Error("rating_update_error",
						zap.String("user_id", r.UserID),
						zap.Error(err),
					)
				}
			}
		}
	}

	sess.Status = session.StatusFinished
	sess.EndReason = method
	sess.WinnerID = winnerID
	if err := w.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("finalize session %s: %w", sess.ID, err)
	}
	if _, err := w.leases.Release(ctx, sess.ID); err != nil {
		obslog.L().Warn("end_release_failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	w.dropOwned(sess.ID)

	if w.hub != nil {
		payload, _ := json.Marshal(map[string]string{
			"kind":       "session_ended",
			"session_id": sess.ID,
			"reason":     method,
			"winner_id":  winnerID,
		})
		w.hub.BroadcastRoom(ctx, sess.ID, payload)
	}
	obslog.L().Info("session_end",
		zap.String("session_id", sess.ID),
		zap.String("reason", method),
		zap.String("winner_id", winnerID),
		zap.Int64("duration_ms", durationMS),
	)
	return nil
}

// buildResults computes one immutable result row per player. Ratings move
// only for decisive two-player games; everything else records a draw with
// no rating change.
func buildResults(sess *session.Session, winnerID, method string, endedAt time.Time, durationMS int64) []repo.MatchResult {
	decisive := winnerID != "" && len(sess.Players) == 2
	out := make([]repo.MatchResult, 0, len(sess.Players))
	for i, p := range sess.Players {
		mr := repo.MatchResult{
			SessionID:    sess.ID,
			UserID:       p.UserID,
			Result:       "draw",
			Method:       method,
			RatingBefore: p.Rating,
			RatingAfter:  p.Rating,
			DurationMS:   durationMS,
			EndedAt:      endedAt,
		}
		if decisive {
			opp := sess.Players[1-i]
			if p.UserID == winnerID {
				mr.Result = "win"
				mr.RatingAfter = p.Rating + rating.Delta(p.Rating, opp.Rating, rating.ScoreWin, sess.Ranked)
			} else {
				mr.Result = "loss"
				mr.RatingAfter = p.Rating + rating.Delta(p.Rating, opp.Rating, rating.ScoreLoss, sess.Ranked)
			}
		}
		out = append(out, mr)
	}
	return out
}
