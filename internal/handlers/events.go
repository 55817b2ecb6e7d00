package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/mediafetch/backend/internal/bot"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/models"
)

const maxEventBytes = 4096

// EventHandler processes inbound chat events
type EventHandler interface {
	Handle(ctx context.Context, userID string, ev bot.Event) error
}

type EventsHandler struct {
	events EventHandler
}

func NewEventsHandler(events EventHandler) *EventsHandler {
	return &EventsHandler{events: events}
}

// Post handles POST /api/v1/events. Replies to the event are delivered
// over the WebSocket; the response only reports acceptance.
func (h *EventsHandler) Post(w http.ResponseWriter, r *http.Request) error {
	userID := apperrors.GetUserID(r.Context())
	if userID == "" {
		return apperrors.Unauthorized("user not authenticated")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		return apperrors.BadRequest("event body too large or unreadable").WithCause(err)
	}

	ev, err := bot.DecodeEvent(body)
	if err != nil {
		return err
	}

	// The flow continues when the client goes away; its messages are queued
	// for the next connection.
	ctx := context.WithoutCancel(r.Context())
	if err := h.events.Handle(ctx, userID, ev); err != nil {
		return err
	}

	requestID := apperrors.GetRequestID(r.Context())
	apperrors.WriteJSON(w, requestID, http.StatusAccepted, models.EventAccepted{
		Status:    "accepted",
		RequestID: requestID,
	})
	return nil
}
