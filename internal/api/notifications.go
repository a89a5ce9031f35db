package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/dispatch"
)

// DispatchNotification handles POST /v1/notifications/dispatch
//
// User callers can only notify themselves; service callers name the user.
func (h *Handler) DispatchNotification(w http.ResponseWriter, r *http.Request) {
	var evt dispatch.Event
	if err := decodeJSON(r, &evt); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if p := PrincipalFrom(r.Context()); p != nil && !p.Service {
		evt.UserID = p.UserID
	}

	res, err := h.svc.Notifications.Dispatch(r.Context(), evt)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrMissingUser),
			errors.Is(err, dispatch.ErrMissingTitle),
			errors.Is(err, dispatch.ErrMissingBody),
			errors.Is(err, dispatch.ErrInvalidLevel):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
		default:
			h.logger.Error("failed to dispatch notification",
				zap.Error(err),
				zap.String("user_id", evt.UserID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		}
		return
	}

	h.logger.Info("notification dispatched",
		zap.String("id", res.Notification.ID.String()),
		zap.String("user_id", evt.UserID.String()),
		zap.Int("deliveries", len(res.Deliveries)),
	)
	writeJSON(w, http.StatusCreated, res)
}

// ListNotifications handles GET /v1/notifications?unread=true&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	limit, offset := pagination(r)
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifs, err := h.svc.Notifications.ListNotifications(r.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifs,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifs),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.caller(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}

	if err := h.svc.Notifications.MarkRead(r.Context(), id, userID); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id.String(), "lida": true})
}

// MarkAllNotificationsRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}

	n, err := h.svc.Notifications.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to mark notifications read", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": n})
}
