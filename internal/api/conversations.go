package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/messaging"
	"github.com/lalithlochan/comms/internal/redis"
)

type SendMessageRequest struct {
	Content  string `json:"conteudo"`
	Type     string `json:"tipo,omitempty"`
	SenderID string `json:"remetente_id,omitempty"` // service callers only
}

type SendMessageResponse struct {
	Message      *db.Message      `json:"message"`
	Conversation *db.Conversation `json:"conversation"`
}

func (h *Handler) writeMessagingError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, messaging.ErrEmptyContent),
		errors.Is(err, messaging.ErrContentTooLong),
		errors.Is(err, messaging.ErrInvalidType):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message", err.Error())
	case errors.Is(err, messaging.ErrConversationNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Conversation not found", "")
	case errors.Is(err, messaging.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, "forbidden", "Not a group participant", err.Error())
	case errors.Is(err, messaging.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Conversation not accessible", "")
	default:
		log.Error("messaging operation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to process message", "")
	}
}

// SendMessage handles POST /v1/conversations/{id}/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convID, ok := h.uuidParam(w, r, "id")
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
	if !h.authorizeConversation(w, r, convID) {
		return
	}

	scope := "user:" + senderID.String()
	key := r.Header.Get("Idempotency-Key")
	reserved := false
	if key != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	log := h.logger.With(zap.String("conversation_id", convID.String()))

	msg, conv, err := h.svc.Messages.SendMessage(ctx, messaging.SendInput{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        req.Content,
		Type:           req.Type,
	})
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, key); rerr != nil {
				log.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeMessagingError(w, err, log)
		return
	}

	resp := SendMessageResponse{Message: msg, Conversation: conv}

	if reserved {
		body, _ := json.Marshal(resp)
		if err := h.idempotency.Store(ctx, scope, key, &redis.IdempotencyResult{
			ResourceID: msg.ID.String(),
			StatusCode: http.StatusCreated,
			Body:       body,
		}, redis.IdempotencyTTL); err != nil {
			log.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	log.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("sender_id", senderID.String()),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// ListConversations handles GET /v1/conversations?status=aberta&canal=whatsapp&q=maria
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()

	f := db.ConversationFilter{
		Status:  q.Get("status"),
		Channel: q.Get("canal"),
		Search:  q.Get("q"),
		Limit:   limit,
		Offset:  offset,
	}
	if s := q.Get("usuario_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid usuario_id", "usuario_id must be a valid UUID")
			return
		}
		f.UserID = &id
	}
	// Users only see their own threads.
	if p := PrincipalFrom(r.Context()); p == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	} else if !p.Service {
		uid := p.UserID
		f.UserID = &uid
	}

	convs, err := h.svc.Messages.ListConversations(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list conversations", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   convs,
		"limit":  limit,
		"offset": offset,
		"count":  len(convs),
	})
}

// ListMessages handles GET /v1/conversations/{id}/messages?limit=50&before=<RFC3339>
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	if !h.authorizeConversation(w, r, convID) {
		return
	}
	limit, _ := pagination(r)

	var before *time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid before", "before must be an RFC 3339 timestamp")
			return
		}
		before = &t
	}

	msgs, err := h.svc.Messages.ListMessages(r.Context(), convID, limit, before)
	if err != nil {
		h.writeMessagingError(w, err, h.logger.With(zap.String("conversation_id", convID.String())))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  msgs,
		"limit": limit,
		"count": len(msgs),
	})
}

// MarkConversationRead handles POST /v1/conversations/{id}/read
func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	readerID, ok := h.caller(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	if !h.authorizeConversation(w, r, convID) {
		return
	}

	n, err := h.svc.Messages.MarkRead(r.Context(), convID, readerID)
	if err != nil {
		h.writeMessagingError(w, err, h.logger.With(zap.String("conversation_id", convID.String())))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            convID.String(),
		"messages_read": n,
		"nao_lidas":     0,
	})
}

// ArchiveConversation handles POST /v1/conversations/{id}/archive
func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	if !h.authorizeConversation(w, r, convID) {
		return
	}

	if err := h.svc.Messages.Archive(r.Context(), convID); err != nil {
		h.writeMessagingError(w, err, h.logger.With(zap.String("conversation_id", convID.String())))
		return
	}

	h.logger.Info("conversation archived", zap.String("conversation_id", convID.String()))
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     convID.String(),
		"status": db.ConversationArchived,
	})
}
