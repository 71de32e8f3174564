package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailhook/internal/auth"
	"github.com/vdavid/mailhook/internal/logger"
	ws "github.com/vdavid/mailhook/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time updates.
type WebSocketHandler struct {
	users         UserLookup
	authenticator *auth.Authenticator
	hub           *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(users UserLookup, authenticator *auth.Authenticator, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		users:         users,
		authenticator: authenticator,
		hub:           hub,
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Expected to run behind a reverse proxy that enforces origins.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Browsers cannot set headers on WebSocket connections, so the token may come
// as ?token=...; the Authorization header is accepted too.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}

	if token == "" {
		logger.Debug("WebSocketHandler: No token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userEmail, err := h.authenticator.ValidateToken(token)
	if err != nil {
		logger.Debug("WebSocketHandler: Token validation failed", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.users(ctx, userEmail)
	if err != nil {
		logger.Error("WebSocketHandler: Failed to get/create user", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocketHandler: Failed to upgrade connection", "user_id", userID, "error", err)
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		logger.Warn("WebSocketHandler: Connection rejected, too many connections", "user_id", userID)
		return
	}

	go h.readLoop(userID, client)
}

// readLoop reads until the connection closes, then unregisters the client.
// Clients never send anything meaningful; reading is what detects disconnects.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(userID, client)
}
