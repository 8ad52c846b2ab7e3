package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// User is the identity record loaded for match formation.
type User struct {
	ID          string
	DisplayName string
	Rating      int
}

// MatchResult is one player's immutable outcome in one completed session.
type MatchResult struct {
	SessionID    string
	UserID       string
	Result       string // win | loss | draw
	Method       string // completion | forfeit | connection_timeout | abandonment_timeout
	RatingBefore int
	RatingAfter  int
	DurationMS   int64
	EndedAt      time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// GetUsersByIDs loads identity records. Callers must verify the returned
// slice covers every requested id before forming a match.
func (r *Repository) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT id, display_name, rating FROM users WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Rating); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveMatchResult upserts one player's final outcome for a session.
// The (session_id, user_id) key makes replays from recovery idempotent.
func (r *Repository) SaveMatchResult(ctx context.Context, mr MatchResult) error {
	q := `INSERT INTO match_results (
	        session_id, user_id, result, result_method,
	        rating_before, rating_after, duration_ms, ended_at
	      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (session_id, user_id) DO UPDATE SET
	        result=EXCLUDED.result,
	        result_method=EXCLUDED.result_method,
	        rating_before=EXCLUDED.rating_before,
	        rating_after=EXCLUDED.rating_after,
	        duration_ms=EXCLUDED.duration_ms,
	        ended_at=EXCLUDED.ended_at`
	_, err := r.db.ExecContext(ctx, q,
		mr.SessionID, mr.UserID, mr.Result, mr.Method,
		mr.RatingBefore, mr.RatingAfter, mr.DurationMS, mr.EndedAt,
	)
	return err
}

// UpdateUserRating stores the post-match rating.
func (r *Repository) UpdateUserRating(ctx context.Context, userID string, ratingAfter int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET rating = $2, updated_at = now() WHERE id = $1`,
		userID, ratingAfter,
	)
	return err
}

// AppendNotification adds one row to the append-only notification log.
// Best-effort by contract: the notification path logs failures and moves on.
func (r *Repository) AppendNotification(ctx context.Context, userID, kind, payload string, delivered bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notification_log (user_id, kind, payload, delivered, created_at)
		 VALUES ($1,$2,$3,$4,now())`,
		userID, kind, payload, delivered,
	)
	return err
}
