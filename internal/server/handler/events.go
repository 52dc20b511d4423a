package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// EventsHandler pages through the durable event stream.
type EventsHandler struct {
	bus    domain.EventBus
	stream string
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler reading the given stream.
func NewEventsHandler(bus domain.EventBus, stream string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, stream: stream, logger: logger}
}

type eventEntry struct {
	ID    string       `json:"id"`
	Event domain.Event `json:"event"`
}

type listEventsResponse struct {
	Events []eventEntry `json:"events"`
	// Next is the cursor to pass as ?after= for the following page.
	Next string `json:"next"`
}

// ListEvents returns events appended after the given stream ID.
// GET /api/events?after=<id>&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := queryInt(r.URL.Query().Get("limit"), 100, 1, 1000)

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	resp := listEventsResponse{Events: make([]eventEntry, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		resp.Next = m.ID
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "skipping undecodable event",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resp.Events = append(resp.Events, eventEntry{ID: m.ID, Event: ev})
	}
	writeJSON(w, http.StatusOK, resp)
}
