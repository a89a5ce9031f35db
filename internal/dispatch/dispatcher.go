// Package dispatch fans a notification event out to the channels a user has
// enabled and always records the in-app notification.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/metrics"
	"github.com/lalithlochan/comms/internal/worker"
)

const defaultSendTimeout = 15 * time.Second

var (
	ErrMissingUser  = errors.New("user_id is required")
	ErrMissingTitle = errors.New("title is required")
	ErrMissingBody  = errors.New("message is required")
	ErrInvalidLevel = errors.New("type must be info, success, error or warning")
	ErrNotFound     = errors.New("notification not found")
)

// Delivery outcome values.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

type Store interface {
	EnabledChannels(ctx context.Context, userID uuid.UUID, category string) ([]string, error)
	GetContact(ctx context.Context, userID uuid.UUID) (*db.Contact, error)
	CreateNotification(ctx context.Context, notif *db.Notification) error
	ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Publisher interface {
	PublishNotification(ctx context.Context, n *db.Notification)
}

// Event is a logical notification for one user.
type Event struct {
	UserID   uuid.UUID         `json:"user_id"`
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"message"`
	Level    string            `json:"type"`
	Data     map[string]string `json:"data,omitempty"`
	// Contact overrides the stored addresses; empty fields fall back to
	// contatos_usuario.
	Contact *db.Contact `json:"contact,omitempty"`
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type Result struct {
	Notification *db.Notification `json:"notification"`
	Deliveries   []ChannelResult  `json:"deliveries"`
}

type Dispatcher struct {
	store       Store
	senders     map[string]worker.Sender
	publisher   Publisher
	sendTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher builds a dispatcher; senders is keyed by channel name
// (email, sms, push).
func NewDispatcher(store Store, senders map[string]worker.Sender, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if senders == nil {
		senders = map[string]worker.Sender{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Dispatcher{
		store:       store,
		senders:     senders,
		publisher:   publisher,
		sendTimeout: defaultSendTimeout,
		logger:      logger,
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishNotification(context.Context, *db.Notification) {}

func (e *Event) validate() error {
	if e.UserID == uuid.Nil {
		return ErrMissingUser
	}
	if e.Title == "" {
		return ErrMissingTitle
	}
	if e.Body == "" {
		return ErrMissingBody
	}
	switch e.Level {
	case "":
		e.Level = db.LevelInfo
	case db.LevelInfo, db.LevelSuccess, db.LevelError, db.LevelWarning:
	default:
		return ErrInvalidLevel
	}
	if e.Category == "" {
		e.Category = "geral"
	}
	return nil
}

// Dispatch records the notification and sends it on every enabled channel.
// Channel failures are reported per delivery and never fail the call; only
// a failure to store the notification does.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (*Result, error) {
	if err := evt.validate(); err != nil {
		return nil, err
	}

	channels, err := d.store.EnabledChannels(ctx, evt.UserID, evt.Category)
	if err != nil {
		d.logger.Warn("failed to load channel config, sending in-app only",
			zap.Error(err),
			zap.String("user_id", evt.UserID.String()),
			zap.String("category", evt.Category),
		)
		channels = nil
	}

	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   evt.UserID,
		Title:    evt.Title,
		Body:     evt.Body,
		Level:    evt.Level,
		Category: evt.Category,
	}
	if err := d.store.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	result := &Result{Notification: notif, Deliveries: []ChannelResult{}}
	if len(channels) > 0 {
		contact := d.resolveContact(ctx, evt)
		result.Deliveries = d.fanOut(ctx, notif, evt, contact, channels)
	}

	d.publisher.PublishNotification(ctx, notif)
	return result, nil
}

// resolveContact merges the addresses carried by the event with the stored
// ones. A lookup failure leaves only what the event carried.
func (d *Dispatcher) resolveContact(ctx context.Context, evt Event) db.Contact {
	var c db.Contact
	if evt.Contact != nil {
		c = *evt.Contact
	}
	if c.Email != "" && c.Phone != "" && c.PushToken != "" {
		return c
	}

	stored, err := d.store.GetContact(ctx, evt.UserID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("failed to load contact", zap.Error(err), zap.String("user_id", evt.UserID.String()))
		}
		return c
	}
	if c.Email == "" {
		c.Email = stored.Email
	}
	if c.Phone == "" {
		c.Phone = stored.Phone
	}
	if c.PushToken == "" {
		c.PushToken = stored.PushToken
	}
	return c
}

func addressFor(channel string, c db.Contact) string {
	switch channel {
	case db.ChannelEmail:
		return c.Email
	case db.ChannelSMS:
		return c.Phone
	case db.ChannelPush:
		return c.PushToken
	}
	return ""
}

func (d *Dispatcher) fanOut(ctx context.Context, notif *db.Notification, evt Event, contact db.Contact, channels []string) []ChannelResult {
	results := make([]ChannelResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		results[i] = ChannelResult{Channel: ch}

		sender, ok := d.senders[ch]
		if !ok {
			results[i].Status = StatusSkipped
			results[i].Error = "no sender for channel"
			continue
		}
		to := addressFor(ch, contact)
		if to == "" {
			results[i].Status = StatusSkipped
			results[i].Error = "no address for channel"
			continue
		}

		delivery := &worker.Delivery{
			ID:      notif.ID.String(),
			Channel: ch,
			To:      to,
			Subject: notif.Title,
			Body:    notif.Body,
			Data:    evt.Data,
		}

		wg.Add(1)
		go func(res *ChannelResult) {
			defer wg.Done()
			if err := d.sendOne(ctx, sender, delivery); err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
				return
			}
			res.Status = StatusSent
		}(&results[i])
	}
	wg.Wait()

	for _, r := range results {
		if r.Status == StatusSkipped {
			metrics.RecordChannelDelivery(r.Channel, r.Status, 0)
		}
	}
	return results
}

// sendOne runs a single channel send with its own timeout; a panicking
// sender is turned into an error.
func (d *Dispatcher) sendOne(ctx context.Context, sender worker.Sender, delivery *worker.Delivery) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s sender panicked: %v", delivery.Channel, rec)
		}
		status := StatusSent
		if err != nil {
			status = StatusFailed
			d.logger.Warn("channel delivery failed",
				zap.Error(err),
				zap.String("notification_id", delivery.ID),
				zap.String("channel", delivery.Channel),
			)
		}
		metrics.RecordChannelDelivery(delivery.Channel, status, time.Since(start))
	}()

	return sender.Send(ctx, delivery)
}

func (d *Dispatcher) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return d.store.ListNotifications(ctx, userID, unreadOnly, limit, offset)
}

func (d *Dispatcher) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	if err := d.store.MarkNotificationRead(ctx, id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return d.store.MarkAllNotificationsRead(ctx, userID)
}
