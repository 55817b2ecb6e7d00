package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mediafetch/backend/internal/bot"
	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/metrics"
)

// Frame types sent to clients
const (
	FrameMessage = "message"
	FrameEdit    = "edit"
	FrameFile    = "file"
	FrameJob     = "job"
	FrameError   = "error"
)

// backlogSize is how many frames are kept for a user with no open socket
const backlogSize = 32

var ErrHubClosed = errors.New("websocket hub closed")

// Frame is one server-to-client WebSocket message.
type Frame struct {
	Type      string               `json:"type"`
	MessageID string               `json:"message_id,omitempty"`
	Message   *bot.Message         `json:"message,omitempty"`
	File      *bot.File            `json:"file,omitempty"`
	Job       *download.Snapshot   `json:"job,omitempty"`
	Error     *apperrors.ErrorBody `json:"error,omitempty"`

	userID string
}

// Hub maintains the set of active clients and routes frames to them. It
// implements bot.Transport.
type Hub struct {
	// Registered clients by user ID
	clients map[string]map[*Client]bool
	// Frames for users without an open socket, replayed on connect
	backlog map[string][][]byte

	register   chan *Client
	unregister chan *Client
	outbound   chan *Frame
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	metrics *metrics.Metrics
	log     *logger.Logger
}

var _ bot.Transport = (*Hub)(nil)

func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		backlog:    make(map[string][][]byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan *Frame, 256),
		done:       make(chan struct{}),
		metrics:    m,
		log:        logger.Default().WithComponent("websocket"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			pending := h.backlog[client.userID]
			delete(h.backlog, client.userID)
			h.mu.Unlock()

			h.metrics.IncWSConnections()
			for _, data := range pending {
				h.deliver(client, data)
			}

		case client := <-h.unregister:
			h.remove(client)

		case frame := <-h.outbound:
			h.route(frame)
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.clients {
		for client := range clients {
			close(client.send)
			h.metrics.DecWSConnections()
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.userID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	h.metrics.DecWSConnections()
	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
}

// route sends a frame to every socket of its user, or queues it when the
// user has none. Job frames are live only and never queued.
func (h *Hub) route(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error(context.Background(), "failed to encode frame", err, map[string]interface{}{"type": frame.Type})
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[frame.userID]))
	for c := range h.clients[frame.userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		if frame.Type != FrameJob {
			h.queue(frame.userID, data)
		}
		return
	}
	for _, c := range clients {
		h.deliver(c, data)
	}
}

// deliver drops a client whose buffer is full rather than blocking the hub
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn(context.Background(), "client too slow, disconnecting", map[string]interface{}{"user_id": c.userID})
		h.remove(c)
	}
}

func (h *Hub) queue(userID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := append(h.backlog[userID], data)
	if len(q) > backlogSize {
		q = q[len(q)-backlogSize:]
	}
	h.backlog[userID] = q
}

func (h *Hub) publish(ctx context.Context, frame *Frame) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// Send delivers a new message and returns its id
func (h *Hub) Send(ctx context.Context, userID string, msg bot.Message) (string, error) {
	id := uuid.NewString()
	if err := h.publish(ctx, &Frame{Type: FrameMessage, MessageID: id, Message: &msg, userID: userID}); err != nil {
		return "", err
	}
	return id, nil
}

// Edit replaces the content of a previously sent message
func (h *Hub) Edit(ctx context.Context, userID, messageID string, msg bot.Message) error {
	return h.publish(ctx, &Frame{Type: FrameEdit, MessageID: messageID, Message: &msg, userID: userID})
}

func (h *Hub) SendFile(ctx context.Context, userID string, f bot.File) error {
	return h.publish(ctx, &Frame{Type: FrameFile, File: &f, userID: userID})
}

// SendError reports a rejected inbound event to the user's sockets
func (h *Hub) SendError(ctx context.Context, userID string, err error) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.InternalError("an unexpected error occurred")
	}
	body := apperrors.ErrorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	return h.publish(ctx, &Frame{Type: FrameError, Error: &body, userID: userID})
}

// ForwardJobs pushes job snapshots to their owners until ctx is done or
// snapshots is closed.
func (h *Hub) ForwardJobs(ctx context.Context, snapshots <-chan download.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := h.publish(ctx, &Frame{Type: FrameJob, Job: &snap, userID: snap.UserID}); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients for a user.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
