package messaging

import (
	"context"
	"fmt"

	"github.com/lalithlochan/comms/internal/circuitbreaker"
	"github.com/lalithlochan/comms/internal/db"
)

// TextSender is the part of the WhatsApp client used for conversation replies.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// WhatsAppDeliverer sends replies of whatsapp conversations to the
// counterpart's number.
type WhatsAppDeliverer struct {
	client  TextSender
	breaker *circuitbreaker.CircuitBreaker
}

// NewWhatsAppDeliverer wraps client; breaker may be nil.
func NewWhatsAppDeliverer(client TextSender, breaker *circuitbreaker.CircuitBreaker) *WhatsAppDeliverer {
	return &WhatsAppDeliverer{client: client, breaker: breaker}
}

func (d *WhatsAppDeliverer) Deliver(ctx context.Context, conv *db.Conversation, msg *db.Message) (string, error) {
	if conv.Counterpart == "" {
		return "", fmt.Errorf("conversation %s has no phone number", conv.ID)
	}
	if d.breaker == nil {
		return d.client.SendText(ctx, conv.Counterpart, msg.Content)
	}

	var id string
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = d.client.SendText(ctx, conv.Counterpart, msg.Content)
		return err
	})
	return id, err
}
