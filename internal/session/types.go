package session

import (
	"encoding/json"
	"time"
)

// Status represents a session lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Player is one participant embedded in a session.
type Player struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Rating      int    `json:"rating"`
	IsReady     bool   `json:"is_ready"`
	Team        string `json:"team,omitempty"`
}

// Session is the persisted record of one live match.
//
// OwnerWorkerID, LeaseExpiresAt and LastHeartbeatAt mirror the lease layer.
// They are a cache for diagnostics: ownership decisions always go through
// the lease key, never through these fields.
type Session struct {
	ID       string   `json:"id"`
	GameMode string   `json:"game_mode"`
	Ranked   bool     `json:"ranked"`
	Players  []Player `json:"players"`
	Status   Status   `json:"status"`

	OwnerWorkerID   string     `json:"owner_worker_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// LastActionAt advances on every game action the owning worker applies.
	LastActionAt time.Time `json:"last_action_at"`

	// GameState is owned by the rules engine and persisted opaquely.
	GameState json.RawMessage `json:"game_state,omitempty"`

	EndReason string `json:"end_reason,omitempty"`
	WinnerID  string `json:"winner_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPlayer reports whether userID participates in the session.
func (s *Session) HasPlayer(userID string) bool {
	for _, p := range s.Players {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// OpponentOf returns the other participant's user id in a two-player session.
func (s *Session) OpponentOf(userID string) string {
	if len(s.Players) != 2 {
		return ""
	}
	if s.Players[0].UserID == userID {
		return s.Players[1].UserID
	}
	if s.Players[1].UserID == userID {
		return s.Players[0].UserID
	}
	return ""
}
