package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/msgcat"
	"github.com/park285/gridduel-server/internal/notify"
	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
)

// UserSource resolves identity records for matched users.
type UserSource interface {
	GetUsersByIDs(ctx context.Context, ids []string) ([]repo.User, error)
}

// Config carries the matchmaking tunables.
type Config struct {
	QueueEntryTTL  time.Duration
	RatingWindow   int
	CandidateLimit int
}

// Engine is the stateless matchmaking front: queue admission, opponent
// search and transactional match formation. Queue entries self-expire in
// Redis; correctness of formation relies on removal of every matched entry
// being atomic with session creation.
type Engine struct {
	rdb      *redis.Client
	sessions *session.Store
	users    UserSource
	cat      *msgcat.Catalog
	cfg      Config

	onMatched func(sess *session.Session)
	randFloat func() float64
}

func NewEngine(rdb *redis.Client, sessions *session.Store, users UserSource, cfg Config) *Engine {
	if cfg.QueueEntryTTL <= 0 {
		cfg.QueueEntryTTL = 10 * time.Minute
	}
	if cfg.RatingWindow <= 0 {
		cfg.RatingWindow = 100
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	return &Engine{
		rdb:       rdb,
		sessions:  sessions,
		users:     users,
		cfg:       cfg,
		randFloat: rand.Float64,
	}
}

// AttachCatalog wires the message catalog for human-readable texts.
func (e *Engine) AttachCatalog(c *msgcat.Catalog) {
	if e != nil {
		e.cat = c
	}
}

// SetOnMatched registers a callback invoked after a match forms. The
// process wiring uses it to hand the fresh session to the local worker.
func (e *Engine) SetOnMatched(fn func(sess *session.Session)) { e.onMatched = fn }

// JoinQueue admits the user and immediately attempts a match.
func (e *Engine) JoinQueue(ctx context.Context, userID, gameMode string, userRating int, prefs map[string]string) (*JoinResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	mode, ok := Modes[gameMode]
	if !ok {
		return nil, ErrUnknownMode
	}

	// the guard key enforces one active entry per user across all modes
	created, err := e.rdb.SetNX(ctx, keyGuard(userID), mode.Name, e.cfg.QueueEntryTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("queue admission: %w", err)
	}
	if !created {
		return nil, ErrAlreadyQueued
	}

	now := time.Now()
	entry := QueueEntry{
		UserID:      userID,
		GameMode:    mode.Name,
		Rating:      userRating,
		Preferences: prefs,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.QueueEntryTTL),
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return nil, err
	}
	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, keyEntry(mode.Name, userID), raw, e.cfg.QueueEntryTTL)
	pipe.ZAdd(ctx, keyIndex(mode.Name), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		_ = e.rdb.Del(ctx, keyGuard(userID)).Err()
		return nil, fmt.Errorf("queue insert: %w", err)
	}
	obslog.L().Info("queue_join",
		zap.String("user_id", userID),
		zap.String("game_mode", mode.Name),
		zap.Int("rating", userRating),
	)

	sess, err := e.tryMatch(ctx, &entry, mode)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if e.onMatched != nil {
			e.onMatched(sess)
		}
		return &JoinResult{
			MatchFound: true,
			Session:    sess,
			Message:    e.text("match.found", map[string]any{"SessionID": sess.ID}, "Match found."),
		}, nil
	}

	size, _ := e.rdb.ZCard(ctx, keyIndex(mode.Name)).Result()
	wait := e.estimateWait(size)
	return &JoinResult{
		MatchFound:    false,
		EstimatedWait: wait,
		Message:       e.text("queue.joined", map[string]any{"Mode": mode.Name, "Wait": wait}, "Searching for opponents."),
	}, nil
}

// CancelQueue removes the user's entry and publishes a cancellation event.
func (e *Engine) CancelQueue(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	modeName, err := e.rdb.Get(ctx, keyGuard(userID)).Result()
	if err == redis.Nil {
		return ErrNotInQueue
	}
	if err != nil {
		return err
	}
	pipe := e.rdb.TxPipeline()
	pipe.Del(ctx, keyEntry(modeName, userID))
	pipe.ZRem(ctx, keyIndex(modeName), userID)
	pipe.Del(ctx, keyGuard(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue cancel: %w", err)
	}
	obslog.L().Info("queue_cancel", zap.String("user_id", userID), zap.String("game_mode", modeName))
	payload := notify.CancelledPayload{
		GameMode: modeName,
		Reason:   "cancelled_by_user",
		Message:  e.text("queue.cancelled", nil, "Matchmaking cancelled."),
	}
	if err := notify.Append(ctx, e.rdb, notify.StreamMatchCancelled, userID, notify.KindMatchmakingCancelled, payload); err != nil {
		obslog.L().Warn("queue_cancel_event_failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// Status reports whether the user is queued and for how long.
func (e *Engine) Status(ctx context.Context, userID string) (*StatusResult, error) {
	userID = strings.TrimSpace(userID)
	modeName, err := e.rdb.Get(ctx, keyGuard(userID)).Result()
	if err == redis.Nil {
		return &StatusResult{InQueue: false}, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := e.getEntry(ctx, modeName, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// entry expired under the guard; clean the guard up
		_ = e.rdb.Del(ctx, keyGuard(userID)).Err()
		return &StatusResult{InQueue: false}, nil
	}
	size, _ := e.rdb.ZCard(ctx, keyIndex(modeName)).Result()
	position := 0
	if rank, err := e.rdb.ZRank(ctx, keyIndex(modeName), userID).Result(); err == nil {
		position = int(rank) + 1
	}
	return &StatusResult{
		InQueue:          true,
		GameMode:         modeName,
		Position:         position,
		QueueTimeSeconds: int(time.Since(entry.CreatedAt).Seconds()),
		EstimatedWait:    e.estimateWait(size),
	}, nil
}

var errRaced = errors.New("queue entries changed concurrently")

// tryMatch searches the mode's queue and, on success, forms the match in a
// single transaction: session insert, queue-entry removal for every matched
// user, and match-found events all commit or none do.
func (e *Engine) tryMatch(ctx context.Context, entry *QueueEntry, mode Mode) (*session.Session, error) {
	opponents, err := e.findOpponents(ctx, entry, mode)
	if err != nil {
		return nil, err
	}
	if len(opponents) < mode.Opponents {
		return nil, nil
	}

	all := append([]QueueEntry{*entry}, opponents...)
	ids := make([]string, len(all))
	for i, qe := range all {
		ids[i] = qe.UserID
	}

	// resolve identities before touching anything; a missing record aborts
	// the attempt with queue entries intact
	users, err := e.users.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve identities: %w", err)
	}
	byID := make(map[string]repo.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			obslog.L().Error("match_identity_missing",
				zap.String("game_mode", mode.Name),
				zap.Strings("matched", ids),
				zap.String("missing", id),
			)
			return nil, fmt.Errorf("%w: %s", ErrIdentityResolution, id)
		}
	}

	sess := buildSession(all, byID, mode)
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	watchKeys := make([]string, len(all))
	for i, qe := range all {
		watchKeys[i] = keyEntry(mode.Name, qe.UserID)
	}
	err = e.rdb.Watch(ctx, func(tx *redis.Tx) error {
		for _, k := range watchKeys {
			n, err := tx.Exists(ctx, k).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return errRaced
			}
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, session.KeySession(sess.ID), raw, 24*time.Hour)
		pipe.SAdd(ctx, session.KeyActive(), sess.ID)
		for _, qe := range all {
			pipe.SAdd(ctx, session.KeyUserIdx(qe.UserID), sess.ID)
			pipe.Expire(ctx, session.KeyUserIdx(qe.UserID), 24*time.Hour)
			pipe.Del(ctx, keyEntry(mode.Name, qe.UserID))
			pipe.ZRem(ctx, keyIndex(mode.Name), qe.UserID)
			pipe.Del(ctx, keyGuard(qe.UserID))
		}
		for _, qe := range all {
			payload := notify.MatchFoundPayload{
				SessionID: sess.ID,
				GameMode:  mode.Name,
				Players:   ids,
				Message:   e.text("match.found", map[string]any{"SessionID": sess.ID}, "Match found."),
			}
			if err := notify.Append(ctx, pipe, notify.StreamMatchFound, qe.UserID, notify.KindMatchFound, payload); err != nil {
				return err
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	}, watchKeys...)
	if errors.Is(err, errRaced) || errors.Is(err, redis.TxFailedErr) {
		// someone else consumed one of the entries; the joiner stays queued
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match formation: %w", err)
	}

	obslog.L().Info("match_formed",
		zap.String("session_id", sess.ID),
		zap.String("game_mode", mode.Name),
		zap.Strings("players", ids),
	)
	return sess, nil
}

// findOpponents walks the mode's queue index oldest-first, pruning members
// whose entries expired, and keeps candidates within the rating window.
func (e *Engine) findOpponents(ctx context.Context, entry *QueueEntry, mode Mode) ([]QueueEntry, error) {
	members, err := e.rdb.ZRangeByScore(ctx, keyIndex(mode.Name), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
		Offset: 0, Count: int64(e.cfg.CandidateLimit),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []QueueEntry
	for _, uid := range members {
		if uid == entry.UserID {
			continue
		}
		cand, err := e.getEntry(ctx, mode.Name, uid)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			_ = e.rdb.ZRem(ctx, keyIndex(mode.Name), uid).Err()
			continue
		}
		if abs(cand.Rating-entry.Rating) > e.cfg.RatingWindow {
			continue
		}
		out = append(out, *cand)
		if len(out) == mode.Opponents {
			break
		}
	}
	return out, nil
}

func (e *Engine) getEntry(ctx context.Context, modeName, userID string) (*QueueEntry, error) {
	raw, err := e.rdb.Get(ctx, keyEntry(modeName, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var qe QueueEntry
	if err := json.Unmarshal(raw, &qe); err != nil {
		return nil, err
	}
	return &qe, nil
}

func buildSession(entries []QueueEntry, byID map[string]repo.User, mode Mode) *session.Session {
	now := time.Now()
	players := make([]session.Player, len(entries))
	for i, qe := range entries {
		p := session.Player{
			UserID:      qe.UserID,
			DisplayName: byID[qe.UserID].DisplayName,
			Rating:      qe.Rating,
			IsReady:     false,
		}
		if mode.Name == "casual_2v2" {
			if i < len(entries)/2 {
				p.Team = "A"
			} else {
				p.Team = "B"
			}
		}
		players[i] = p
	}
	return &session.Session{
		ID:           uuid.NewString(),
		GameMode:     mode.Name,
		Ranked:       mode.Ranked,
		Players:      players,
		Status:       session.StatusWaiting,
		LastActionAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// estimateWait returns 30s + 15s per queued player, jittered by up to 20%
// either way, floored at zero.
func (e *Engine) estimateWait(queueSize int64) int {
	base := 30.0 + 15.0*float64(queueSize)
	jitter := e.randFloat()*0.4 - 0.2
	w := base * (1 + jitter)
	if w < 0 {
		w = 0
	}
	return int(math.Round(w))
}

func (e *Engine) text(key string, data map[string]any, fallback string) string {
	if e.cat == nil {
		return fallback
	}
	return e.cat.RenderOr(key, data, fallback)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func keyEntry(mode, userID string) string {
	return "queue:entry:" + strings.TrimSpace(mode) + ":" + strings.TrimSpace(userID)
}
func keyIndex(mode string) string   { return "queue:index:" + strings.TrimSpace(mode) }
func keyGuard(userID string) string { return "queue:user:" + strings.TrimSpace(userID) }
