package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"coursebuild/internal/logging"
	"coursebuild/internal/notifications"
	"coursebuild/internal/services"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon authenticates the request before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams one build's notification events. The build must exist
// before the upgrade so unknown ids still get a JSON 404.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !h.eventsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.streamEvents(w, r, id)
}

// handleAllEvents streams every build's events. Nothing is replayed on
// connect.
func (h *Handler) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	if !h.eventsAvailable(w) {
		return
	}
	h.streamEvents(w, r, "")
}

func (h *Handler) eventsAvailable(w http.ResponseWriter) bool {
	if h.bus != nil {
		return true
	}
	h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: services.Detail{
		Kind:    services.KindInternal,
		Message: "event stream unavailable",
	}})
	return false
}

// streamEvents upgrades the request and relays bus events until either side
// closes. An empty buildID subscribes to all builds.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, id string) {
	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	var sub *notifications.Subscription
	if id == "" {
		sub = h.bus.SubscribeAll()
	} else {
		sub = h.bus.Subscribe(id)
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.String(logging.FieldBuildID, id), logging.Error(err))
		return
	}
	defer conn.Close()

	scope := "build"
	if id == "" {
		scope = "all"
	}
	h.metrics.StreamOpened(r.Context(), scope)
	defer h.metrics.StreamClosed(context.WithoutCancel(r.Context()), scope)

	// Client messages are ignored; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket write failed", logging.String(logging.FieldBuildID, id), logging.Error(err))
				}
				return
			}
		}
	}
}
