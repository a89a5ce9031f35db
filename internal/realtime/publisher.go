// Package realtime pushes committed messages and notifications to NATS so
// connected clients can update without polling.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

const subjectPrefix = "comms"

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
}

// Event is the envelope published for every change.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Event types
const (
	EventMessageCreated      = "message.created"
	EventNotificationCreated = "notification.created"
)

// Publisher publishes realtime events. A nil *Publisher is valid and drops
// everything, so callers do not need to branch when NATS is not configured.
type Publisher struct {
	nc     *nats.Conn
	conn   conn
	logger *zap.Logger
}

// Connect dials NATS with reconnect settings suited to a long-running gateway.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("comms-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats connection established", zap.String("url", url))
	return &Publisher{nc: nc, conn: nc, logger: logger}, nil
}

// MessageSubject is where messages of a conversation are published.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.conversas.%s.mensagens", subjectPrefix, conversationID)
}

// NotificationSubject is where notifications of a user are published.
func NotificationSubject(userID string) string {
	return fmt.Sprintf("%s.notificacoes.%s", subjectPrefix, userID)
}

// PublishMessage announces a stored conversation message.
func (p *Publisher) PublishMessage(ctx context.Context, msg *db.Message) {
	if p == nil {
		return
	}
	p.publish(MessageSubject(msg.ConversationID.String()), EventMessageCreated, msg)
}

// PublishNotification announces a stored in-app notification.
func (p *Publisher) PublishNotification(ctx context.Context, n *db.Notification) {
	if p == nil {
		return
	}
	p.publish(NotificationSubject(n.UserID.String()), EventNotificationCreated, n)
}

// publish is fire-and-forget; the database row is the source of truth and
// clients resync from it after a missed event.
func (p *Publisher) publish(subject, eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, OccurredAt: time.Now().UTC(), Data: data})
	if err != nil {
		p.logger.Error("failed to marshal realtime event", zap.Error(err), zap.String("subject", subject))
		return
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("failed to publish realtime event", zap.Error(err), zap.String("subject", subject))
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
