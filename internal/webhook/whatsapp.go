package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/messaging"
	"github.com/lalithlochan/comms/internal/whatsapp"
)

// Inbox is the part of the message router the WhatsApp provider feeds.
type Inbox interface {
	ReceiveInbound(ctx context.Context, in messaging.InboundMessage) (*db.Message, bool, error)
	UpdateDeliveryStatus(ctx context.Context, externalID, status, errMsg string) (bool, error)
}

type whatsAppEvent struct {
	whatsapp.WebhookPayload
}

func (e *whatsAppEvent) EventName() string { return e.Object }

type WhatsAppProvider struct {
	appSecret   string
	verifyToken string
	inbox       Inbox
	logger      *zap.Logger
}

func NewWhatsAppProvider(appSecret, verifyToken string, inbox Inbox, logger *zap.Logger) *WhatsAppProvider {
	return &WhatsAppProvider{
		appSecret:   appSecret,
		verifyToken: verifyToken,
		inbox:       inbox,
		logger:      logger,
	}
}

func (p *WhatsAppProvider) Name() string { return "whatsapp" }

func (p *WhatsAppProvider) Authenticate(r *http.Request, body []byte) error {
	if p.appSecret == "" {
		return ErrNotConfigured
	}
	if !whatsapp.VerifySignature(p.appSecret, body, r.Header.Get(whatsapp.SignatureHeader)) {
		return ErrUnauthorized
	}
	return nil
}

// Verify answers the subscription handshake by echoing hub.challenge.
func (p *WhatsAppProvider) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")

	if p.verifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(p.verifyToken)) != 1 {
		p.logger.Warn("whatsapp verification rejected", zap.String("mode", q.Get("hub.mode")))
		writeError(w, http.StatusForbidden, "forbidden", "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (p *WhatsAppProvider) Parse(body []byte) (Event, error) {
	var evt whatsAppEvent
	if err := json.Unmarshal(body, &evt.WebhookPayload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if evt.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: unexpected object %q", ErrInvalidEvent, evt.Object)
	}
	if len(evt.Entry) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidEvent)
	}
	return &evt, nil
}

var messageTypes = map[string]string{
	"text":     db.MessageText,
	"image":    db.MessageImage,
	"document": db.MessageFile,
}

var deliveryStatuses = map[string]string{
	"sent":      db.DeliverySent,
	"delivered": db.DeliveryDelivered,
	"read":      db.DeliveryRead,
	"failed":    db.DeliveryFailed,
}

// Handle threads every inbound message into its conversation and applies
// every status callback. The event is a duplicate when it only carried
// messages that were already stored.
func (p *WhatsAppProvider) Handle(ctx context.Context, e Event) (*Outcome, error) {
	evt, ok := e.(*whatsAppEvent)
	if !ok {
		return nil, fmt.Errorf("whatsapp: unexpected event %T", e)
	}

	var received, duplicates, statuses int
	for _, entry := range evt.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range change.Value.Messages {
				content, kind := m.Content()
				_, dup, err := p.inbox.ReceiveInbound(ctx, messaging.InboundMessage{
					Channel:     db.ConversationWhatsApp,
					Counterpart: m.From,
					Title:       names[m.From],
					ExternalID:  m.ID,
					Content:     content,
					Type:        messageTypes[kind],
				})
				if err != nil {
					if errors.Is(err, messaging.ErrEmptyContent) || errors.Is(err, messaging.ErrContentTooLong) {
						p.logger.Warn("whatsapp message skipped", zap.Error(err), zap.String("wamid", m.ID))
						continue
					}
					return nil, fmt.Errorf("receive %s: %w", m.ID, err)
				}
				if dup {
					duplicates++
				} else {
					received++
				}
			}

			for _, s := range change.Value.Statuses {
				status, ok := deliveryStatuses[s.Status]
				if !ok {
					continue
				}
				if _, err := p.inbox.UpdateDeliveryStatus(ctx, s.ID, status, s.ErrorText()); err != nil {
					return nil, fmt.Errorf("status %s: %w", s.ID, err)
				}
				statuses++
			}
		}
	}

	return &Outcome{
		Duplicate: duplicates > 0 && received == 0 && statuses == 0,
		Fields: map[string]any{
			"received": received,
			"statuses": statuses,
		},
	}, nil
}
