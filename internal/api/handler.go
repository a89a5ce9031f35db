// Package api serves the authenticated REST surface of the comms service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/campaign"
	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/dispatch"
	"github.com/lalithlochan/comms/internal/groups"
	"github.com/lalithlochan/comms/internal/messaging"
	"github.com/lalithlochan/comms/internal/redis"
	"github.com/lalithlochan/comms/internal/whatsapp"
)

// Messenger is implemented by *messaging.Router.
type Messenger interface {
	SendMessage(ctx context.Context, in messaging.SendInput) (*db.Message, *db.Conversation, error)
	SendGroupMessage(ctx context.Context, groupID, senderID uuid.UUID, content, msgType string) (*db.Message, *db.Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error)
	Archive(ctx context.Context, conversationID uuid.UUID) error
	ListConversations(ctx context.Context, f db.ConversationFilter) ([]*db.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*db.Message, error)
	Authorize(ctx context.Context, conversationID, userID uuid.UUID) error
}

// Notifier is implemented by *dispatch.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, evt dispatch.Event) (*dispatch.Result, error)
	ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Participants is implemented by *groups.Manager.
type Participants interface {
	AddParticipant(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error)
	RemoveParticipant(ctx context.Context, groupID, userID uuid.UUID) error
	UpdateRole(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error)
	ListParticipants(ctx context.Context, groupID uuid.UUID) ([]*db.Participant, error)
	Role(ctx context.Context, groupID, userID uuid.UUID) (string, error)
	RequireAdmin(ctx context.Context, groupID, userID uuid.UUID) error
}

// CampaignRunner is implemented by *campaign.Processor.
type CampaignRunner interface {
	Process(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
}

// TemplateLister is implemented by *whatsapp.Client.
type TemplateLister interface {
	ListTemplates(ctx context.Context) ([]whatsapp.Template, error)
}

// IdempotencyStore is implemented by *redis.IdempotencyService.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Services groups the domain components the handlers call. Templates may be
// nil when WhatsApp is not configured.
type Services struct {
	Messages      Messenger
	Notifications Notifier
	Groups        Participants
	Campaigns     CampaignRunner
	Templates     TemplateLister
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	logger      *zap.Logger
	svc         Services
	idempotency IdempotencyStore // nil if Redis not configured
}

func NewHandler(logger *zap.Logger, svc Services) *Handler {
	return &Handler{
		logger: logger,
		svc:    svc,
	}
}

// NewHandlerWithIdempotency enables Idempotency-Key replay on message sends.
func NewHandlerWithIdempotency(logger *zap.Logger, svc Services, idempotency IdempotencyStore) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		idempotency: idempotency,
	}
}

// Routes registers the API under r. Authentication and rate limiting are
// applied by the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/conversations/{id}/messages", h.SendMessage)
	r.Post("/conversations/{id}/read", h.MarkConversationRead)
	r.Post("/conversations/{id}/archive", h.ArchiveConversation)

	r.Post("/groups/{id}/messages", h.SendGroupMessage)
	r.Get("/groups/{id}/participants", h.ListParticipants)
	r.Post("/groups/{id}/participants", h.AddParticipant)
	r.Delete("/groups/{id}/participants/{userID}", h.RemoveParticipant)
	r.Patch("/groups/{id}/participants/{userID}", h.UpdateParticipantRole)

	r.Post("/notifications/dispatch", h.DispatchNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/read-all", h.MarkAllNotificationsRead)
	r.Post("/notifications/{id}/read", h.MarkNotificationRead)

	r.Post("/campaigns/{id}/process", h.ProcessCampaign)
	r.Get("/whatsapp/templates", h.ListWhatsAppTemplates)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// uuidParam parses a chi URL parameter, writing a 400 when it is not a UUID.
func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// caller resolves the acting user, writing a 400/401 when there is none.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, explicit string) (uuid.UUID, bool) {
	id, ok := actingUser(r, explicit)
	if !ok {
		if p := PrincipalFrom(r.Context()); p != nil && p.Service {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "service calls must name the acting user_id")
			return uuid.Nil, false
		}
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return uuid.Nil, false
	}
	return id, true
}

// authorizeConversation lets service callers through and requires user
// callers to own the conversation, or belong to its group.
func (h *Handler) authorizeConversation(w http.ResponseWriter, r *http.Request, convID uuid.UUID) bool {
	p := PrincipalFrom(r.Context())
	if p == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return false
	}
	if p.Service {
		return true
	}
	if err := h.svc.Messages.Authorize(r.Context(), convID, p.UserID); err != nil {
		h.writeMessagingError(w, err, h.logger.With(zap.String("conversation_id", convID.String())))
		return false
	}
	return true
}

// authorizeGroup lets service callers through. User callers must be
// participants, and admins when adminOnly is set.
func (h *Handler) authorizeGroup(w http.ResponseWriter, r *http.Request, groupID uuid.UUID, adminOnly bool) bool {
	p := PrincipalFrom(r.Context())
	if p == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return false
	}
	if p.Service {
		return true
	}

	var err error
	if adminOnly {
		err = h.svc.Groups.RequireAdmin(r.Context(), groupID, p.UserID)
	} else {
		_, err = h.svc.Groups.Role(r.Context(), groupID, p.UserID)
	}
	if errors.Is(err, groups.ErrParticipantNotFound) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Not a group participant", "")
		return false
	}
	if err != nil {
		h.writeGroupError(w, err, h.logger.With(zap.String("group_id", groupID.String())))
		return false
	}
	return true
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pagination reads limit (1..100, default 20) and offset (>= 0).
func pagination(r *http.Request) (int, int) {
	limit, offset := 20, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
