package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/obslog"
)

const consumerGroup = "notify"

// Sender delivers a payload to a player's live connections. Delivery is
// best-effort: a player with no connection gets the message dropped, not
// queued, since match invitations are time-sensitive.
type Sender interface {
	SendToUser(ctx context.Context, userID string, payload []byte) bool
}

// Auditor appends delivery attempts to the notification log.
type Auditor interface {
	AppendNotification(ctx context.Context, userID, kind, payload string, delivered bool) error
}

// Router consumes the match event streams through a consumer group and
// pushes each message to the target player's connections.
//
// A message is acknowledged after the delivery attempt completes. Messages
// that fail unexpectedly are left pending and reclaimed on a later pass
// once they sit idle past claimMinIdle, giving at-least-once semantics;
// malformed targets are acknowledged immediately because retrying them can
// never succeed.
type Router struct {
	rdb          *redis.Client
	hub          Sender
	audit        Auditor
	consumer     string
	streams      []string
	claimMinIdle time.Duration
}

func NewRouter(rdb *redis.Client, hub Sender, consumer string) *Router {
	return &Router{
		rdb:          rdb,
		hub:          hub,
		consumer:     consumer,
		streams:      []string{StreamMatchFound, StreamMatchCancelled},
		claimMinIdle: 30 * time.Second,
	}
}

// SetClaimMinIdle adjusts how long a pending message must sit idle before
// a claim pass takes it over.
func (r *Router) SetClaimMinIdle(d time.Duration) {
	if d >= 0 {
		r.claimMinIdle = d
	}
}

// AttachAuditor wires an optional audit log sink.
func (r *Router) AttachAuditor(a Auditor) {
	if r != nil {
		r.audit = a
	}
}

// EnsureGroups creates the consumer groups, tolerating ones that exist.
func (r *Router) EnsureGroups(ctx context.Context) error {
	for _, s := range r.streams {
		err := r.rdb.XGroupCreateMkStream(ctx, s, consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", s, err)
		}
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if err := r.EnsureGroups(ctx); err != nil {
		return err
	}
	for {
		if _, err := r.ProcessOnce(ctx, 5*time.Second); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			obslog.L().Error("notify_read_error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// ProcessOnce reclaims stalled pending messages, then reads one batch of
// new messages, handling each. Returns the number of messages handled.
func (r *Router) ProcessOnce(ctx context.Context, block time.Duration) (int, error) {
	handled, err := r.claimStalled(ctx)
	if err != nil {
		return handled, err
	}

	ids := make([]string, 0, len(r.streams)*2)
	ids = append(ids, r.streams...)
	for range r.streams {
		ids = append(ids, ">")
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: r.consumer,
		Streams:  ids,
		Count:    16,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return handled, nil
	}
	if err != nil {
		return handled, err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			r.handle(ctx, stream.Stream, msg)
			handled++
		}
	}
	return handled, nil
}

// claimStalled takes over messages left unacknowledged by a failed
// delivery attempt, ours or a dead consumer's, and retries them.
func (r *Router) claimStalled(ctx context.Context) (int, error) {
	handled := 0
	for _, s := range r.streams {
		msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s,
			Group:    consumerGroup,
			Consumer: r.consumer,
			MinIdle:  r.claimMinIdle,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil && err != redis.Nil {
			return handled, err
		}
		for _, msg := range msgs {
			obslog.L().Info("notify_redeliver",
				zap.String("stream", s),
				zap.String("msg_id", msg.ID),
			)
			r.handle(ctx, s, msg)
			handled++
		}
	}
	return handled, nil
}

func (r *Router) handle(ctx context.Context, stream string, msg redis.XMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			// leave unacked for redelivery
			obslog.L().Error("notify_handle_panic",
				zap.String("stream", stream),
				zap.String("msg_id", msg.ID),
				zap.Any("panic", rec),
			)
		}
	}()

	target, _ := msg.Values[fieldTarget].(string)
	kind, _ := msg.Values[fieldKind].(string)
	payload, _ := msg.Values[fieldPayload].(string)

	if !validTarget(target) {
		// a malformed target can never be delivered; ack so it is not retried
		obslog.L().Warn("notify_malformed_target",
			zap.String("stream", stream),
			zap.String("msg_id", msg.ID),
			zap.String("target", target),
		)
		r.ack(ctx, stream, msg.ID)
		return
	}

	delivered := r.hub.SendToUser(ctx, target, []byte(payload))
	if delivered {
		obslog.L().Info("notify_delivered",
			zap.String("target", target),
			zap.String("kind", kind),
			zap.String("msg_id", msg.ID),
		)
	} else {
		obslog.L().Info("notify_dropped_offline",
			zap.String("target", target),
			zap.String("kind", kind),
			zap.String("msg_id", msg.ID),
		)
	}

	if r.audit != nil {
		if err := r.audit.AppendNotification(ctx, target, kind, payload, delivered); err != nil {
			// audit is best-effort and never blocks the notification path
			obslog.L().Warn("notify_audit_failed", zap.String("target", target), zap.Error(err))
		}
	}

	r.ack(ctx, stream, msg.ID)
}

func (r *Router) ack(ctx context.Context, stream, id string) {
	if err := r.rdb.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		obslog.L().Warn("notify_ack_failed", zap.String("stream", stream), zap.String("msg_id", id), zap.Error(err))
	}
}

func validTarget(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, " \t\n")
}
