package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mediafetch/backend/internal/auth"
	apperrors "github.com/mediafetch/backend/internal/errors"
)

// Handler upgrades authenticated requests to WebSocket clients of the hub.
type Handler struct {
	hub      *Hub
	auth     *auth.Service
	events   EventHandler
	upgrader websocket.Upgrader
	// ctx outlives the upgrade request; client pumps run until it is done
	ctx context.Context
}

// NewHandler creates a WebSocket handler. allowedOrigins empty accepts any
// origin.
func NewHandler(ctx context.Context, hub *Hub, authService *auth.Service, events EventHandler, allowedOrigins []string) *Handler {
	return &Handler{
		hub:    hub,
		auth:   authService,
		events: events,
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeWS handles WebSocket requests from clients.
// Authentication is done via query parameter: ?token=<jwt_token>
// This is necessary because browser WebSocket API doesn't support custom headers.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	userID, err := h.auth.QueryToken(r)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.hub.log.WarnErr(r.Context(), "websocket upgrade failed", err)
		return
	}

	client := NewClient(h.hub, conn, userID)
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	ctx := apperrors.WithUserID(h.ctx, userID)
	h.hub.log.Info(ctx, "websocket connected")

	go client.WritePump()
	go client.ReadPump(ctx, h.events)
}
