// Package messaging routes messages into conversation threads and out to
// external channels.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/metrics"
)

// MaxContentLength is the longest message accepted, in runes.
const MaxContentLength = 4096

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrContentTooLong       = fmt.Errorf("message content exceeds %d characters", MaxContentLength)
	ErrInvalidType          = errors.New("message type must be texto, imagem or arquivo")
	ErrNotParticipant       = errors.New("sender is not a participant of this group")
	ErrInvalidStatus        = errors.New("unknown delivery status")
	ErrForbidden            = errors.New("conversation belongs to another user")
)

// Store is the persistence the router needs.
type Store interface {
	CreateMessage(ctx context.Context, msg *db.Message) (*db.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	GetOrCreateConversation(ctx context.Context, conv *db.Conversation) (*db.Conversation, error)
	ListConversations(ctx context.Context, f db.ConversationFilter) ([]*db.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*db.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error)
	ArchiveConversation(ctx context.Context, id uuid.UUID) error
	SetMessageDelivery(ctx context.Context, id uuid.UUID, externalID *string, status string, deliveryErr *string) error
	UpdateDeliveryStatus(ctx context.Context, externalID, status string, deliveryErr *string) (bool, error)
}

// Membership answers whether a user belongs to a group.
type Membership interface {
	IsParticipant(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
}

// Deliverer hands a stored message to the external channel of its
// conversation and returns the provider message id.
type Deliverer interface {
	Deliver(ctx context.Context, conv *db.Conversation, msg *db.Message) (string, error)
}

// Publisher fans committed messages out to live subscribers.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *db.Message)
}

type nopPublisher struct{}

func (nopPublisher) PublishMessage(context.Context, *db.Message) {}

type Router struct {
	store      Store
	members    Membership
	deliverers map[string]Deliverer
	publisher  Publisher
	logger     *zap.Logger
}

// NewRouter builds a router. deliverers is keyed by conversation channel
// (canal); channels without an entry are internal only.
func NewRouter(store Store, members Membership, deliverers map[string]Deliverer, publisher Publisher, logger *zap.Logger) *Router {
	if deliverers == nil {
		deliverers = map[string]Deliverer{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Router{
		store:      store,
		members:    members,
		deliverers: deliverers,
		publisher:  publisher,
		logger:     logger,
	}
}

type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	Type           string
}

func validateContent(content, msgType string) (string, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", "", ErrContentTooLong
	}

	switch msgType {
	case "":
		msgType = db.MessageText
	case db.MessageText, db.MessageImage, db.MessageFile:
	default:
		return "", "", ErrInvalidType
	}
	return content, msgType, nil
}

func mapStoreError(err error) error {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrForeignKey) {
		return ErrConversationNotFound
	}
	return err
}

// SendMessage stores a message written by a user and updates the
// conversation summary in the same transaction. If the conversation's
// channel has a deliverer the message is then sent out; a failed delivery is
// recorded on the message and does not fail the call.
func (r *Router) SendMessage(ctx context.Context, in SendInput) (*db.Message, *db.Conversation, error) {
	content, msgType, err := validateContent(in.Content, in.Type)
	if err != nil {
		return nil, nil, err
	}

	conv, err := r.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	deliverer := r.deliverers[conv.Channel]

	sender := in.SenderID
	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       &sender,
		Content:        content,
		Type:           msgType,
	}
	if deliverer != nil {
		pending := db.DeliveryPending
		msg.DeliveryStatus = &pending
	}

	conv, err = r.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	metrics.RecordMessageRouted("outbound")

	if deliverer != nil {
		r.deliver(ctx, deliverer, conv, msg)
	}

	r.publisher.PublishMessage(ctx, msg)
	return msg, conv, nil
}

func (r *Router) deliver(ctx context.Context, d Deliverer, conv *db.Conversation, msg *db.Message) {
	externalID, err := d.Deliver(ctx, conv, msg)

	status := db.DeliverySent
	var extPtr, errPtr *string
	if err != nil {
		status = db.DeliveryFailed
		errText := err.Error()
		errPtr = &errText
		r.logger.Warn("outbound delivery failed",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", conv.Channel),
		)
	} else {
		extPtr = &externalID
	}
	metrics.RecordOutboundDelivery(conv.Channel, status)

	if setErr := r.store.SetMessageDelivery(ctx, msg.ID, extPtr, status, errPtr); setErr != nil {
		r.logger.Error("failed to record delivery outcome",
			zap.Error(setErr),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}
	msg.ExternalID = extPtr
	msg.DeliveryStatus = &status
	msg.DeliveryError = errPtr
}

// SendGroupMessage posts into the conversation of a group. The sender must
// be a participant.
func (r *Router) SendGroupMessage(ctx context.Context, groupID, senderID uuid.UUID, content, msgType string) (*db.Message, *db.Conversation, error) {
	if _, _, err := validateContent(content, msgType); err != nil {
		return nil, nil, err
	}

	ok, err := r.members.IsParticipant(ctx, groupID, senderID)
	if err != nil {
		return nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return nil, nil, ErrNotParticipant
	}

	conv, err := r.store.GetOrCreateConversation(ctx, &db.Conversation{
		Channel:     db.ConversationGroup,
		Counterpart: groupID.String(),
	})
	if err != nil {
		return nil, nil, err
	}

	return r.SendMessage(ctx, SendInput{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
	})
}

// InboundMessage is a message arriving from an external channel.
type InboundMessage struct {
	Channel     string
	Counterpart string
	Title       string
	ExternalID  string
	Content     string
	Type        string
}

// ReceiveInbound threads a provider message into the conversation of its
// counterpart, creating the conversation on first contact. A provider id
// that was already stored is reported as duplicate and changes nothing.
func (r *Router) ReceiveInbound(ctx context.Context, in InboundMessage) (*db.Message, bool, error) {
	if in.Counterpart == "" {
		return nil, false, errors.New("inbound message has no counterpart")
	}
	content, msgType, err := validateContent(in.Content, in.Type)
	if err != nil {
		return nil, false, err
	}

	title := in.Title
	if title == "" {
		title = in.Counterpart
	}
	conv, err := r.store.GetOrCreateConversation(ctx, &db.Conversation{
		Title:       title,
		Channel:     in.Channel,
		Counterpart: in.Counterpart,
	})
	if err != nil {
		return nil, false, err
	}

	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Content:        content,
		Type:           msgType,
	}
	if in.ExternalID != "" {
		ext := in.ExternalID
		delivered := db.DeliveryDelivered
		msg.ExternalID = &ext
		msg.DeliveryStatus = &delivered
	}

	if _, err := r.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			r.logger.Info("duplicate inbound message ignored",
				zap.String("channel", in.Channel),
				zap.String("external_id", in.ExternalID),
			)
			return nil, true, nil
		}
		return nil, false, mapStoreError(err)
	}
	metrics.RecordMessageRouted("inbound")

	r.publisher.PublishMessage(ctx, msg)
	return msg, false, nil
}

// MarkRead marks the messages the reader did not write as read and resets
// the unread counter.
func (r *Router) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error) {
	n, err := r.store.MarkConversationRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, mapStoreError(err)
	}
	return n, nil
}

func (r *Router) Archive(ctx context.Context, conversationID uuid.UUID) error {
	if err := r.store.ArchiveConversation(ctx, conversationID); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// UpdateDeliveryStatus applies a provider status callback. Statuses never
// move backwards, and a failed message stays failed.
func (r *Router) UpdateDeliveryStatus(ctx context.Context, externalID, status, errMsg string) (bool, error) {
	switch status {
	case db.DeliverySent, db.DeliveryDelivered, db.DeliveryRead, db.DeliveryFailed:
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	return r.store.UpdateDeliveryStatus(ctx, externalID, status, errPtr)
}

// Authorize checks that userID may act on a conversation: it must be the
// conversation's user, or a participant of the group for group threads.
func (r *Router) Authorize(ctx context.Context, conversationID, userID uuid.UUID) error {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreError(err)
	}

	if conv.Channel == db.ConversationGroup {
		groupID, err := uuid.Parse(conv.Counterpart)
		if err != nil {
			return ErrForbidden
		}
		ok, err := r.members.IsParticipant(ctx, groupID, userID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !ok {
			return ErrNotParticipant
		}
		return nil
	}

	if conv.UserID == nil || *conv.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func (r *Router) ListConversations(ctx context.Context, f db.ConversationFilter) ([]*db.Conversation, error) {
	return r.store.ListConversations(ctx, f)
}

func (r *Router) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*db.Message, error) {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return nil, mapStoreError(err)
	}
	return r.store.ListMessages(ctx, conversationID, limit, before)
}
