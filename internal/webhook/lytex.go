package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

const LytexSignatureHeader = "X-Webhook-Signature"

// LytexStore applies a payment event and reports whether it was already
// recorded.
type LytexStore interface {
	ApplyLytexEvent(ctx context.Context, evt *db.WebhookEvent) (bool, error)
}

// LytexEvent is a payment gateway callback.
type LytexEvent struct {
	Event         string              `json:"event"`
	TransactionID string              `json:"transaction_id"`
	Amount        decimal.NullDecimal `json:"amount"`
	Status        string              `json:"status,omitempty"`
	Data          json.RawMessage     `json:"data,omitempty"`

	raw []byte
}

func (e *LytexEvent) EventName() string { return e.Event }

type LytexProvider struct {
	secret string
	store  LytexStore
	logger *zap.Logger
}

// NewLytexProvider builds the payment gateway provider. With an empty
// secret every request is refused.
func NewLytexProvider(secret string, store LytexStore, logger *zap.Logger) *LytexProvider {
	return &LytexProvider{secret: secret, store: store, logger: logger}
}

func (p *LytexProvider) Name() string { return "lytex" }

// Authenticate accepts the shared secret either in X-Webhook-Signature or as
// a bearer token.
func (p *LytexProvider) Authenticate(r *http.Request, _ []byte) error {
	if p.secret == "" {
		return ErrNotConfigured
	}

	got := r.Header.Get(LytexSignatureHeader)
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(p.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (p *LytexProvider) Parse(body []byte) (Event, error) {
	var evt LytexEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if evt.Event == "" || evt.TransactionID == "" {
		return nil, fmt.Errorf("%w: event and transaction_id are required", ErrInvalidEvent)
	}
	if evt.Amount.Valid && evt.Amount.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidEvent)
	}
	evt.raw = body
	return &evt, nil
}

// lytexLedgerKey identifies one delivery of one event. A charge moves through
// several events (created, paid, refunded), each applied once.
func lytexLedgerKey(evt *LytexEvent) string {
	return evt.TransactionID + ":" + evt.Event
}

// Handle records the event in the dedupe ledger and runs
// processar_webhook_lytex in the same transaction.
func (p *LytexProvider) Handle(ctx context.Context, e Event) (*Outcome, error) {
	evt, ok := e.(*LytexEvent)
	if !ok {
		return nil, fmt.Errorf("lytex: unexpected event %T", e)
	}

	duplicate, err := p.store.ApplyLytexEvent(ctx, &db.WebhookEvent{
		Provider: p.Name(),
		Key:      lytexLedgerKey(evt),
		Event:    evt.Event,
		Payload:  evt.raw,
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("event", evt.Event),
		zap.String("transaction_id", evt.TransactionID),
		zap.Bool("duplicate", duplicate),
	}
	if evt.Amount.Valid {
		fields = append(fields, zap.String("amount", evt.Amount.Decimal.StringFixed(2)))
	}
	p.logger.Info("lytex event applied", fields...)

	return &Outcome{
		Duplicate: duplicate,
		Fields: map[string]any{
			"event":          evt.Event,
			"transaction_id": evt.TransactionID,
		},
	}, nil
}
