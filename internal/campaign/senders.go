package campaign

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/sqs"
	"github.com/lalithlochan/comms/internal/worker"
)

// personalize fills the {{nome}} placeholder with the recipient's name.
func personalize(text string, r *db.CampaignRecipient) string {
	name := r.Name
	if name == "" {
		name = "aluno(a)"
	}
	return strings.ReplaceAll(text, "{{nome}}", name)
}

// markUnattempted records the recipients that were never tried as failed.
func markUnattempted(failed map[uuid.UUID]string, recipients []*db.CampaignRecipient, err error) {
	for _, r := range recipients {
		failed[r.ID] = err.Error()
	}
}

// EmailQueue is the producer side of the campaign email queue.
type EmailQueue interface {
	EnqueueBatch(ctx context.Context, jobs []*sqs.EmailJob) (map[string]string, error)
}

// EmailSender puts campaign emails on the SQS queue; the email queue worker
// sends them through SES. A recipient counts as sent once enqueued.
type EmailSender struct {
	queue EmailQueue
}

func NewEmailSender(queue EmailQueue) *EmailSender {
	return &EmailSender{queue: queue}
}

func (s *EmailSender) SendBatch(ctx context.Context, c *db.Campaign, recipients []*db.CampaignRecipient) (map[uuid.UUID]string, error) {
	failed := make(map[uuid.UUID]string)
	jobs := make([]*sqs.EmailJob, 0, len(recipients))

	for _, r := range recipients {
		if r.Email == "" {
			failed[r.ID] = "recipient has no email"
			continue
		}
		jobs = append(jobs, &sqs.EmailJob{
			CampaignID:  c.ID.String(),
			RecipientID: r.ID.String(),
			To:          r.Email,
			Name:        r.Name,
			Subject:     personalize(c.Subject, r),
			Body:        personalize(c.Content, r),
		})
	}

	rejected, err := s.queue.EnqueueBatch(ctx, jobs)
	for rid, msg := range rejected {
		if id, perr := uuid.Parse(rid); perr == nil {
			failed[id] = msg
		}
	}
	return failed, err
}

// SMSSender sends campaign texts one by one through a channel sender.
type SMSSender struct {
	sender worker.Sender
}

func NewSMSSender(sender worker.Sender) *SMSSender {
	return &SMSSender{sender: sender}
}

func (s *SMSSender) SendBatch(ctx context.Context, c *db.Campaign, recipients []*db.CampaignRecipient) (map[uuid.UUID]string, error) {
	failed := make(map[uuid.UUID]string)
	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			markUnattempted(failed, recipients[i:], err)
			return failed, err
		}
		if r.Phone == "" {
			failed[r.ID] = "recipient has no phone"
			continue
		}
		err := s.sender.Send(ctx, &worker.Delivery{
			ID:      r.ID.String(),
			Channel: db.ChannelSMS,
			To:      r.Phone,
			Body:    personalize(c.Content, r),
			Data:    map[string]string{"campaign_id": c.ID.String()},
		})
		if err != nil {
			failed[r.ID] = err.Error()
		}
	}
	return failed, nil
}

// TemplateSender is the part of the WhatsApp client used for campaigns.
type TemplateSender interface {
	SendTemplate(ctx context.Context, to, name, language string, params ...string) (string, error)
	SendText(ctx context.Context, to, body string) (string, error)
}

// WhatsAppSender sends the campaign template when one is set, the campaign
// content as text otherwise. Business-initiated conversations need a
// template, so text campaigns only reach numbers inside the 24h window.
type WhatsAppSender struct {
	client   TemplateSender
	language string
}

func NewWhatsAppSender(client TemplateSender, language string) *WhatsAppSender {
	return &WhatsAppSender{client: client, language: language}
}

func (s *WhatsAppSender) SendBatch(ctx context.Context, c *db.Campaign, recipients []*db.CampaignRecipient) (map[uuid.UUID]string, error) {
	failed := make(map[uuid.UUID]string)
	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			markUnattempted(failed, recipients[i:], err)
			return failed, err
		}
		phone, err := worker.NormalizePhone(r.Phone)
		if err != nil {
			failed[r.ID] = fmt.Sprintf("invalid phone %q", r.Phone)
			continue
		}
		to := strings.TrimPrefix(phone, "+")

		if c.Template != nil && *c.Template != "" {
			var params []string
			if r.Name != "" {
				params = append(params, r.Name)
			}
			_, err = s.client.SendTemplate(ctx, to, *c.Template, s.language, params...)
		} else {
			_, err = s.client.SendText(ctx, to, personalize(c.Content, r))
		}
		if err != nil {
			failed[r.ID] = err.Error()
		}
	}
	return failed, nil
}
