package notifyhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/dmitrymomot/notikit/pkg/logger"
	"github.com/dmitrymomot/notikit/pkg/notifications"
)

const (
	writeWait   = 10 * time.Second
	maxReadSize = 512
)

// SSE event types.
const (
	EventConnected    datastar.EventType = "connected"
	EventNotification datastar.EventType = "notification"
	EventPing         datastar.EventType = "ping"
)

// subscribe attaches a bounded queue to the hub. Events that do not fit are
// dropped; clients recover by listing.
func (h *Handler) subscribe(ctx context.Context, recipientID string) (*notifications.Subscription, <-chan notifications.Event, error) {
	events := make(chan notifications.Event, h.streamBuffer)
	sub, err := h.hub.Subscribe(ctx, recipientID, func(ev notifications.Event) {
		select {
		case events <- ev:
		default:
			h.logger.LogAttrs(ctx, slog.LevelWarn, "stream queue full, event dropped",
				logger.RecipientID(recipientID),
				logger.NotificationID(ev.Record.ID),
			)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, events, nil
}

// sse serves Server-Sent Events: a "connected" event once the subscription
// is live, one "notification" event per stored record of the recipient and
// data-less "ping" events as keep-alive.
func (h *Handler) sse(w http.ResponseWriter, r *http.Request) {
	release, ok := h.track()
	if !ok {
		h.writeError(w, r, notifications.ErrHubClosed)
		return
	}
	defer release()

	ctx := r.Context()
	recipientID := recipientFrom(ctx)
	sub, events, err := h.subscribe(ctx, recipientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("X-Accel-Buffering", "no")
	stream := datastar.NewSSE(w, r)
	if err := stream.Send(EventConnected, nil); err != nil {
		h.logStreamError(ctx, recipientID, err)
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-sub.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.LogAttrs(ctx, slog.LevelError, "failed to encode event",
					logger.NotificationID(ev.Record.ID),
					logger.Error(err),
				)
				continue
			}
			if err := stream.Send(EventNotification, []string{string(data)}, datastar.WithSSEEventId(ev.Record.ID)); err != nil {
				h.logStreamError(ctx, recipientID, err)
				return
			}
		case <-ticker.C:
			// events without data lines are not dispatched by EventSource
			if err := stream.Send(EventPing, nil); err != nil {
				h.logStreamError(ctx, recipientID, err)
				return
			}
		}
	}
}

func (h *Handler) logStreamError(ctx context.Context, recipientID string, err error) {
	if ctx.Err() != nil {
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "sse stream ended",
		logger.RecipientID(recipientID),
		logger.Error(fmt.Errorf("%w: %w", ErrStreamingFailed, err)),
	)
}

// ws pushes events as JSON text messages and keeps the connection
// alive with pings. Client messages are read only to observe pongs and close.
func (h *Handler) ws(w http.ResponseWriter, r *http.Request) {
	release, ok := h.track()
	if !ok {
		h.writeError(w, r, notifications.ErrHubClosed)
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	recipientID := recipientFrom(ctx)
	sub, events, err := h.subscribe(ctx, recipientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.LogAttrs(ctx, slog.LevelDebug, "websocket upgrade failed",
			logger.RecipientID(recipientID),
			logger.Error(err),
		)
		return
	}
	defer conn.Close()

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-h.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
