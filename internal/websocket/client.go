package websocket

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediafetch/backend/internal/bot"
	apperrors "github.com/mediafetch/backend/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// EventHandler processes inbound chat events. *bot.Dispatcher implements it.
type EventHandler interface {
	Handle(ctx context.Context, userID string, ev bot.Event) error
}

// Client is one WebSocket connection of a user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

// ReadPump reads inbound events until the connection fails, then
// unregisters the client.
func (c *Client) ReadPump(ctx context.Context, events EventHandler) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WarnErr(ctx, "websocket read failed", err)
			}
			return
		}
		if events == nil {
			continue
		}

		reqCtx := apperrors.WithRequestID(ctx, apperrors.GenerateRequestID())
		ev, err := bot.DecodeEvent(data)
		if err == nil {
			err = events.Handle(reqCtx, c.userID, ev)
		}
		if err != nil && !apperrors.IsServerError(err) {
			c.hub.SendError(reqCtx, c.userID, err)
		}
	}
}

// WritePump writes queued frames and keepalive pings until send is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
