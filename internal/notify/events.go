package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Event streams. Messages carry the target player in a routing field
// separate from the payload, so a payload that fails to parse can still be
// routed (or rejected) without blocking the stream.
const (
	StreamMatchFound     = "events:match_found"
	StreamMatchCancelled = "events:match_cancelled"
)

// Notification kinds delivered to clients.
const (
	KindMatchFound           = "match_found"
	KindMatchmakingCancelled = "matchmaking_cancelled"
	KindMatchmakingUpdate    = "matchmaking_update"
	KindQueuePositionUpdate  = "queue_position_update"
)

const (
	fieldTarget  = "target"
	fieldKind    = "kind"
	fieldPayload = "payload"
)

// Append adds one event to a stream. It accepts any Cmdable so match
// formation can enqueue events inside the same MULTI/EXEC pipeline that
// creates the session and clears the queue.
func Append(ctx context.Context, c redis.Cmdable, stream, target, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldTarget:  target,
			fieldKind:    kind,
			fieldPayload: string(raw),
		},
	}).Err()
}

// MatchFoundPayload is pushed to each matched player.
type MatchFoundPayload struct {
	SessionID string   `json:"session_id"`
	GameMode  string   `json:"game_mode"`
	Players   []string `json:"players"`
	Message   string   `json:"message,omitempty"`
}

// CancelledPayload is pushed on queue cancellation.
type CancelledPayload struct {
	GameMode string `json:"game_mode"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}
