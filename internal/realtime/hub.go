package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/gridduel-server/internal/obslog"
)

// Hub tracks live player connections and session rooms. It provides the
// two delivery shapes the core needs: per-player addressable sends and
// room-wide broadcast. A player may hold several connections at once.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{} // userID -> connections
	rooms map[string]map[string]struct{}          // sessionID -> userIDs
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Handler upgrades inbound connections. The identity layer upstream
// attaches the verified user id; it arrives here via header or query.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			obslog.L().Warn("ws_accept_failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		h.register(userID, ws)
		obslog.L().Info("ws_connect", zap.String("user_id", userID))

		// reads keep control frames flowing; inbound data is not consumed here
		ctx := r.Context()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				break
			}
		}
		h.unregister(userID, ws)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
		obslog.L().Info("ws_disconnect", zap.String("user_id", userID))
	})
}

func (h *Hub) register(userID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[userID][ws] = struct{}{}
}

func (h *Hub) unregister(userID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, ws)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Connected reports whether the user has at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// SendToUser writes the payload to every connection the user holds.
// Returns false when the user has no live connection.
func (h *Hub) SendToUser(ctx context.Context, userID string, payload []byte) bool {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for ws := range h.conns[userID] {
		targets = append(targets, ws)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return false
	}
	delivered := false
	for _, ws := range targets {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ws.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			obslog.L().Warn("ws_send_failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		delivered = true
	}
	return delivered
}

// JoinRoom adds the user to a session room.
func (h *Hub) JoinRoom(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]struct{})
	}
	h.rooms[sessionID][userID] = struct{}{}
}

// LeaveRoom removes the user from a session room.
func (h *Hub) LeaveRoom(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[sessionID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// DropRoom removes the whole room.
func (h *Hub) DropRoom(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, sessionID)
}

// BroadcastRoom sends the payload to every user in the session room.
func (h *Hub) BroadcastRoom(ctx context.Context, sessionID string, payload []byte) {
	h.mu.RLock()
	users := make([]string, 0, len(h.rooms[sessionID]))
	for uid := range h.rooms[sessionID] {
		users = append(users, uid)
	}
	h.mu.RUnlock()
	for _, uid := range users {
		h.SendToUser(ctx, uid, payload)
	}
}

// CloseAll terminates every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.conns {
		for ws := range set {
			_ = ws.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}
	h.conns = make(map[string]map[*websocket.Conn]struct{})
	h.rooms = make(map[string]map[string]struct{})
}
