package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/metrics"
	"github.com/lalithlochan/comms/internal/sqs"
)

// EmailQueue is the consumer side of the campaign email queue.
type EmailQueue interface {
	ReceiveMessage(ctx context.Context) (*sqs.EmailJob, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// EmailQueueWorker drains queued campaign emails into an email Sender.
type EmailQueueWorker struct {
	queue  EmailQueue
	sender Sender
	logger *zap.Logger

	// retryAfter is how long a failed job stays hidden before SQS redelivers it.
	retryAfter int32
	idleWait   time.Duration
}

func NewEmailQueueWorker(queue EmailQueue, sender Sender, logger *zap.Logger) *EmailQueueWorker {
	return &EmailQueueWorker{
		queue:      queue,
		sender:     sender,
		logger:     logger,
		retryAfter: 60,
		idleWait:   time.Second,
	}
}

func (w *EmailQueueWorker) Start(ctx context.Context) {
	w.logger.Info("email queue worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("email queue worker stopping")
			return
		default:
		}

		if !w.processOne(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(w.idleWait):
			}
		}
	}
}

// processOne handles at most one job. It reports whether a message was
// received so the loop can back off on an empty queue or a receive error.
func (w *EmailQueueWorker) processOne(ctx context.Context) bool {
	job, receipt, err := w.queue.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.Error("failed to receive email job", zap.Error(err))
		if receipt != "" {
			// Undecodable body: drop it, it will never parse.
			if delErr := w.queue.DeleteMessage(ctx, receipt); delErr != nil {
				w.logger.Error("failed to drop malformed email job", zap.Error(delErr))
			}
			return true
		}
		return false
	}
	if job == nil {
		return false
	}

	metrics.SetSQSMessagesInFlight(1)
	defer metrics.SetSQSMessagesInFlight(0)

	d := &Delivery{
		ID:      job.RecipientID,
		Channel: db.ChannelEmail,
		To:      job.To,
		Subject: job.Subject,
		Body:    job.Body,
		Data:    map[string]string{"campaign_id": job.CampaignID},
	}

	start := time.Now()
	if err := w.sender.Send(ctx, d); err != nil {
		metrics.RecordChannelDelivery(db.ChannelEmail, "failed", time.Since(start))
		w.logger.Error("campaign email failed, leaving for redelivery",
			zap.Error(err),
			zap.String("campaign_id", job.CampaignID),
			zap.String("recipient_id", job.RecipientID),
		)
		if visErr := w.queue.ChangeVisibility(ctx, receipt, w.retryAfter); visErr != nil {
			w.logger.Warn("failed to change message visibility", zap.Error(visErr))
		}
		return true
	}
	metrics.RecordChannelDelivery(db.ChannelEmail, "sent", time.Since(start))

	if err := w.queue.DeleteMessage(ctx, receipt); err != nil {
		w.logger.Error("failed to delete email job", zap.Error(err), zap.String("recipient_id", job.RecipientID))
	}
	return true
}
