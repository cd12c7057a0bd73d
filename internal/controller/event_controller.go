package controller

import (
	"net/http"

	"github.com/cassiomorais/courier/internal/service"
)

type EventController struct {
	writer *service.EventWriter
}

func NewEventController(writer *service.EventWriter) *EventController {
	return &EventController{writer: writer}
}

// Append handles POST /api/v1/events
func (h *EventController) Append(w http.ResponseWriter, r *http.Request) {
	var req AppendEventRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.writer.Emit(r.Context(), service.AppendEventRequest{
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		EventType:     req.EventType,
		Payload:       req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, FromOutboxRecord(rec))
}
