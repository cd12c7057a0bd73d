package controller

import (
	"net/http"

	customMW "github.com/cassiomorais/courier/internal/middleware"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AdminController serves the operator endpoints over the outbox and inbox tables.
type AdminController struct {
	admin *service.AdminService
}

func NewAdminController(admin *service.AdminService) *AdminController {
	return &AdminController{admin: admin}
}

// GetOutbox handles GET /api/v1/outbox/{id}
func (h *AdminController) GetOutbox(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOutboxID(w, r)
	if !ok {
		return
	}

	rec, err := h.admin.GetOutbox(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromOutboxRecord(rec))
}

// ListOutbox handles GET /api/v1/outbox?status=FAILED&limit=50
func (h *AdminController) ListOutbox(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "FAILED"
	}

	records, err := h.admin.ListOutbox(r.Context(), status, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*OutboxRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, FromOutboxRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Redrive handles POST /api/v1/outbox/{id}/redrive
func (h *AdminController) Redrive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOutboxID(w, r)
	if !ok {
		return
	}

	rec, err := h.admin.Redrive(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("operator", operator(r)).Str("outbox_id", id.String()).Msg("Outbox record redriven")
	writeJSON(w, http.StatusOK, FromOutboxRecord(rec))
}

// GetInbox handles GET /api/v1/inbox/{messageId}
func (h *AdminController) GetInbox(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.GetInbox(r.Context(), chi.URLParam(r, "messageId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromInboxRecord(rec))
}

// ListInbox handles GET /api/v1/inbox?status=FAILED
func (h *AdminController) ListInbox(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "FAILED"
	}

	records, err := h.admin.ListInbox(r.Context(), status, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*InboxRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, FromInboxRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetInbox handles DELETE /api/v1/inbox/{messageId}
func (h *AdminController) ResetInbox(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	if err := h.admin.ResetInbox(r.Context(), messageID); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("operator", operator(r)).Str("message_id", messageID).Msg("Inbox record reset")
	w.WriteHeader(http.StatusNoContent)
}

func parseOutboxID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid outbox id", Code: "invalid_id"})
		return uuid.Nil, false
	}
	return id, true
}

// operator names who made an admin call, for the audit log line.
func operator(r *http.Request) string {
	if op, ok := customMW.OperatorFrom(r.Context()); ok {
		return op
	}
	return "anonymous"
}
