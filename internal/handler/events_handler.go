package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedtree/internal/notify"
)

// EventSubscriber はユーザー単位のイベント購読を提供する。notify.Bus が実装する。
type EventSubscriber interface {
	Subscribe(userID string, buffer int) *notify.Subscription
}

// EventsHandler はライブ更新イベントを Server-Sent Events で配信する。
type EventsHandler struct {
	bus       EventSubscriber
	buffer    int
	heartbeat time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(bus EventSubscriber, buffer int, heartbeat time.Duration) *EventsHandler {
	return &EventsHandler{bus: bus, buffer: buffer, heartbeat: heartbeat}
}

// Stream はクライアントが切断するまでイベントを書き出す。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	sub := h.bus.Subscribe(uid, h.buffer)
	defer sub.Close()

	if err := notify.Stream(r.Context(), w, sub, h.heartbeat); err != nil {
		slog.Debug("event stream ended",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
	}
}
