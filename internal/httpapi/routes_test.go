package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/gridduel-server/internal/match"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
)

type staticUsers struct{}

func (staticUsers) GetUsersByIDs(_ context.Context, ids []string) ([]repo.User, error) {
	out := make([]repo.User, len(ids))
	for i, id := range ids {
		out[i] = repo.User{ID: id, DisplayName: id, Rating: 1000}
	}
	return out, nil
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := match.NewEngine(rdb, session.NewStore(rdb), staticUsers{}, match.Config{})
	app := fiber.New()
	Setup(app, New(engine))
	return app
}

func postJoin(t *testing.T, app *fiber.App, userID, mode string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"game_mode": mode, "rating": 1000})
	req := httptest.NewRequest("POST", "/queue/join", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func TestJoinRequiresIdentity(t *testing.T) {
	app := newTestApp(t)
	if resp := postJoin(t, app, "", "casual_1v1"); resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}

func TestJoinValidation(t *testing.T) {
	app := newTestApp(t)
	if resp := postJoin(t, app, "u1", "no_such_mode"); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("unknown mode: want 400, got %d", resp.StatusCode)
	}
	if resp := postJoin(t, app, "u1", "casual_1v1"); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("valid join: want 200, got %d", resp.StatusCode)
	}
	if resp := postJoin(t, app, "u1", "casual_1v1"); resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("duplicate join: want 409, got %d", resp.StatusCode)
	}
}

func TestQueueFlow(t *testing.T) {
	app := newTestApp(t)

	resp := postJoin(t, app, "u1", "ranked_1v1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("join: want 200, got %d", resp.StatusCode)
	}
	var join match.JoinResult
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.MatchFound || join.EstimatedWait <= 0 {
		t.Fatalf("solo join result wrong: %+v", join)
	}

	req := httptest.NewRequest("GET", "/queue/status", nil)
	req.Header.Set("X-User-Id", "u1")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status: code=%d err=%v", resp.StatusCode, err)
	}
	var st match.StatusResult
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.InQueue || st.GameMode != "ranked_1v1" {
		t.Fatalf("status wrong: %+v", st)
	}

	req = httptest.NewRequest("DELETE", "/queue", nil)
	req.Header.Set("X-User-Id", "u1")
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("cancel: code=%d err=%v", resp.StatusCode, err)
	}

	// cancelling again reports not-in-queue rather than failing
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second cancel: code=%d err=%v", resp.StatusCode, err)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if cancelled, _ := out["cancelled"].(bool); cancelled {
		t.Fatalf("second cancel should report cancelled=false: %v", out)
	}
}
