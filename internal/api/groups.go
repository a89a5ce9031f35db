package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/groups"
)

type ParticipantRequest struct {
	UserID string `json:"usuario_id"`
	Role   string `json:"papel"`
}

func (h *Handler) writeGroupError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, groups.ErrNotAdmin):
		h.writeError(w, http.StatusForbidden, "forbidden", "Group admin required", err.Error())
	case errors.Is(err, groups.ErrAlreadyParticipant):
		h.writeError(w, http.StatusConflict, "conflict", "Already a participant", err.Error())
	case errors.Is(err, groups.ErrParticipantNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Participant not found", "")
	case errors.Is(err, groups.ErrGroupNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Group not found", "")
	case errors.Is(err, groups.ErrRoleRequired), errors.Is(err, groups.ErrInvalidRole):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid role", err.Error())
	default:
		log.Error("group operation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update group", "")
	}
}

// SendGroupMessage handles POST /v1/groups/{id}/messages
func (h *Handler) SendGroupMessage(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	senderID, ok := h.caller(w, r, req.SenderID)
	if !ok {
		return
	}

	msg, conv, err := h.svc.Messages.SendGroupMessage(r.Context(), groupID, senderID, req.Content, req.Type)
	if err != nil {
		h.writeMessagingError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return
	}

	writeJSON(w, http.StatusCreated, SendMessageResponse{Message: msg, Conversation: conv})
}

// ListParticipants handles GET /v1/groups/{id}/participants
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	if !h.authorizeGroup(w, r, groupID, false) {
		return
	}

	participants, err := h.svc.Groups.ListParticipants(r.Context(), groupID)
	if err != nil {
		h.writeGroupError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  participants,
		"count": len(participants),
	})
}

// AddParticipant handles POST /v1/groups/{id}/participants
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req ParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid usuario_id", "usuario_id must be a valid UUID")
		return
	}

	if !h.authorizeGroup(w, r, groupID, true) {
		return
	}

	p, err := h.svc.Groups.AddParticipant(r.Context(), groupID, userID, req.Role)
	if err != nil {
		h.writeGroupError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// RemoveParticipant handles DELETE /v1/groups/{id}/participants/{userID}
func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	// Members may leave on their own; removing someone else needs an admin.
	if p := PrincipalFrom(r.Context()); p == nil || p.Service || p.UserID != userID {
		if !h.authorizeGroup(w, r, groupID, true) {
			return
		}
	}

	if err := h.svc.Groups.RemoveParticipant(r.Context(), groupID, userID); err != nil {
		h.writeGroupError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateParticipantRole handles PATCH /v1/groups/{id}/participants/{userID}
func (h *Handler) UpdateParticipantRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	var req ParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if !h.authorizeGroup(w, r, groupID, true) {
		return
	}

	p, err := h.svc.Groups.UpdateRole(r.Context(), groupID, userID, req.Role)
	if err != nil {
		h.writeGroupError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return
	}

	writeJSON(w, http.StatusOK, p)
}
