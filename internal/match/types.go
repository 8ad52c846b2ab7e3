package match

import (
	"time"

	"github.com/park285/gridduel-server/internal/session"
)

// Mode describes one supported game mode.
type Mode struct {
	Name      string
	Ranked    bool
	Opponents int // opponents required besides the joiner
}

// Modes lists the supported game modes.
var Modes = map[string]Mode{
	"casual_1v1": {Name: "casual_1v1", Ranked: false, Opponents: 1},
	"ranked_1v1": {Name: "ranked_1v1", Ranked: true, Opponents: 1},
	"casual_2v2": {Name: "casual_2v2", Ranked: false, Opponents: 3},
	"free_4p":    {Name: "free_4p", Ranked: false, Opponents: 3},
}

// QueueEntry is one waiting player's matchmaking request. At most one
// active entry exists per user across all modes.
type QueueEntry struct {
	UserID      string            `json:"user_id"`
	GameMode    string            `json:"game_mode"`
	Rating      int               `json:"rating"`
	Preferences map[string]string `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// JoinResult reports the outcome of a joinQueue call.
type JoinResult struct {
	MatchFound    bool             `json:"match_found"`
	Session       *session.Session `json:"session,omitempty"`
	EstimatedWait int              `json:"estimated_wait,omitempty"` // seconds
	Message       string           `json:"message,omitempty"`
}

// StatusResult reports a user's queue status. Position is 1-based within
// the mode's queue.
type StatusResult struct {
	InQueue          bool   `json:"in_queue"`
	GameMode         string `json:"game_mode,omitempty"`
	Position         int    `json:"position,omitempty"`
	QueueTimeSeconds int    `json:"queue_time_seconds,omitempty"`
	EstimatedWait    int    `json:"estimated_wait,omitempty"`
}

// Errors
var (
	ErrUnknownMode   = errf("unknown game mode")
	ErrAlreadyQueued = errf("user already has an active queue entry")
	ErrNotInQueue    = errf("user is not in a matchmaking queue")
	// one or more matched identities could not be resolved; the match
	// attempt aborts with queue entries untouched
	ErrIdentityResolution = errf("could not resolve all matched identities")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
