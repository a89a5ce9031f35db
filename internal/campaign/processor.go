// Package campaign sends active campaigns to their recipients and closes
// them once their end date has passed.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/metrics"
)

const (
	batchSize    = 100
	dueBatchSize = 50
)

var (
	ErrCampaignNotFound = errors.New("campaign not found or not active")
	ErrUnsupportedType  = errors.New("campaign type has no sender")
)

type Store interface {
	GetActiveCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*db.Campaign, error)
	ClaimPendingRecipients(ctx context.Context, campaignID, after uuid.UUID, limit int) ([]*db.CampaignRecipient, error)
	RecordRecipientOutcomes(ctx context.Context, outcomes []db.RecipientOutcome) error
	CompleteCampaign(ctx context.Context, id uuid.UUID) (bool, error)
}

// BulkSender sends one batch of a campaign. The returned map holds the
// recipients that failed, keyed by recipient id. When an error is returned
// together with a non-nil map, recipients missing from the map were sent; a
// nil map means nothing in the batch was attempted.
type BulkSender interface {
	SendBatch(ctx context.Context, c *db.Campaign, recipients []*db.CampaignRecipient) (map[uuid.UUID]string, error)
}

type Result struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Type       string    `json:"type"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Completed  bool      `json:"completed"`
}

type Processor struct {
	store   Store
	senders map[string]BulkSender
	logger  *zap.Logger
	now     func() time.Time
}

// NewProcessor builds a processor; senders is keyed by campaign type
// (EMAIL, SMS, WHATSAPP).
func NewProcessor(store Store, senders map[string]BulkSender, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		senders: senders,
		logger:  logger,
		now:     time.Now,
	}
}

// Process sends an active campaign to its pending recipients and marks it
// CONCLUIDA when its end date is in the past. Each batch is claimed before
// sending so concurrent runs never share a recipient. A batch-level send
// failure is returned after the batch outcomes are recorded and leaves the
// campaign active so the next run resumes it.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (*Result, error) {
	c, err := p.store.GetActiveCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return p.process(ctx, c)
}

func (p *Processor) process(ctx context.Context, c *db.Campaign) (*Result, error) {
	sender, ok := p.senders[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, c.Type)
	}

	res := &Result{CampaignID: c.ID, Type: c.Type}
	log := p.logger.With(zap.String("campaign_id", c.ID.String()), zap.String("type", c.Type))

	after := uuid.Nil
	for {
		recipients, err := p.store.ClaimPendingRecipients(ctx, c.ID, after, batchSize)
		if err != nil {
			return res, fmt.Errorf("claim recipients: %w", err)
		}
		if len(recipients) == 0 {
			break
		}
		after = recipients[len(recipients)-1].ID

		failed, sendErr := sender.SendBatch(ctx, c, recipients)
		if sendErr != nil {
			log.Error("campaign batch failed", zap.Error(sendErr), zap.Int("batch", len(recipients)))
			if failed == nil {
				failed = make(map[uuid.UUID]string, len(recipients))
				for _, r := range recipients {
					failed[r.ID] = sendErr.Error()
				}
			}
		}

		outcomes := make([]db.RecipientOutcome, 0, len(recipients))
		for _, r := range recipients {
			o := db.RecipientOutcome{RecipientID: r.ID, Error: failed[r.ID]}
			if o.Error == "" {
				res.Sent++
			} else {
				res.Failed++
			}
			outcomes = append(outcomes, o)
		}
		// Recorded even when ctx is done so sent recipients are never resent.
		if err := p.store.RecordRecipientOutcomes(context.WithoutCancel(ctx), outcomes); err != nil {
			return res, fmt.Errorf("record outcomes: %w", err)
		}
		if sendErr != nil {
			metrics.RecordCampaignRecipients(c.Type, "sent", res.Sent)
			metrics.RecordCampaignRecipients(c.Type, "failed", res.Failed)
			return res, fmt.Errorf("send batch: %w", sendErr)
		}

		if len(recipients) < batchSize {
			break
		}
	}

	metrics.RecordCampaignRecipients(c.Type, "sent", res.Sent)
	metrics.RecordCampaignRecipients(c.Type, "failed", res.Failed)

	if c.EndsAt != nil && c.EndsAt.Before(p.now()) {
		completed, err := p.store.CompleteCampaign(ctx, c.ID)
		if err != nil {
			return res, fmt.Errorf("complete campaign: %w", err)
		}
		res.Completed = completed
		if completed {
			metrics.RecordCampaignCompleted()
		}
	}

	log.Info("campaign processed",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Bool("completed", res.Completed),
	)
	return res, nil
}

// ProcessDue runs every active campaign whose start date has been reached.
// Failures of one campaign are logged and do not stop the others.
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	campaigns, err := p.store.ListDueCampaigns(ctx, p.now(), dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	processed := 0
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := p.process(ctx, c); err != nil {
			p.logger.Error("failed to process campaign",
				zap.Error(err),
				zap.String("campaign_id", c.ID.String()),
			)
			continue
		}
		processed++
	}
	return processed, nil
}
