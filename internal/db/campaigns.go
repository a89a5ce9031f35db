package db

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const campaignColumns = `id, nome, tipo, status, COALESCE(assunto, ''), COALESCE(conteudo, ''),
	template, data_inicio, data_fim, updated_at`

// RecipientOutcome is the result of sending a campaign to one recipient.
// An empty Error means the send succeeded.
type RecipientOutcome struct {
	RecipientID uuid.UUID
	Error       string
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Type,
		&c.Status,
		&c.Subject,
		&c.Content,
		&c.Template,
		&c.StartsAt,
		&c.EndsAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActiveCampaign loads a campaign only if its status is ATIVA.
func (r *Repository) GetActiveCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campanhas WHERE id = $1 AND status = 'ATIVA'`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("query active campaign %s: %w", id, mapError(err))
	}
	return c, nil
}

// ListDueCampaigns returns active campaigns whose start date has been reached.
func (r *Repository) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campanhas
		WHERE status = 'ATIVA' AND data_inicio <= $1
		ORDER BY data_inicio ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// recipientLease bounds how long a claimed recipient stays reserved for the
// run that claimed it.
const recipientLease = 10 * time.Minute

// ClaimPendingRecipients reserves up to limit recipients that have not been
// sent to yet, ordered by id and starting after the given id (uuid.Nil for
// the first page). Rows locked or leased by another run are skipped, so
// concurrent runs of one campaign never share a recipient. Recipients that
// failed keep enviado_em NULL and are retried on the next run.
func (r *Repository) ClaimPendingRecipients(ctx context.Context, campaignID, after uuid.UUID, limit int) ([]*CampaignRecipient, error) {
	query := `
		UPDATE campanha_destinatarios
		SET reservado_ate = NOW() + make_interval(secs => $4)
		WHERE id IN (
			SELECT id FROM campanha_destinatarios
			WHERE campanha_id = $1 AND enviado_em IS NULL AND id > $2
				AND (reservado_ate IS NULL OR reservado_ate < NOW())
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campanha_id, COALESCE(nome, ''), COALESCE(email, ''), COALESCE(telefone, ''), enviado_em, erro
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, after, limit, recipientLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim campaign recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*CampaignRecipient
	for rows.Next() {
		var rc CampaignRecipient
		err := rows.Scan(&rc.ID, &rc.CampaignID, &rc.Name, &rc.Email, &rc.Phone, &rc.SentAt, &rc.Error)
		if err != nil {
			return nil, fmt.Errorf("scan campaign recipient: %w", err)
		}
		recipients = append(recipients, &rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// RETURNING carries no order; callers page by the last id.
	sort.Slice(recipients, func(i, j int) bool {
		return bytes.Compare(recipients[i].ID[:], recipients[j].ID[:]) < 0
	})
	return recipients, nil
}

// RecordRecipientOutcomes stores per-recipient send results in one round trip
// and releases their claims.
func (r *Repository) RecordRecipientOutcomes(ctx context.Context, outcomes []RecipientOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range outcomes {
		if o.Error == "" {
			batch.Queue(`UPDATE campanha_destinatarios SET enviado_em = NOW(), erro = NULL, reservado_ate = NULL WHERE id = $1`, o.RecipientID)
		} else {
			batch.Queue(`UPDATE campanha_destinatarios SET erro = $2, reservado_ate = NULL WHERE id = $1`, o.RecipientID, o.Error)
		}
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range outcomes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("record recipient outcome: %w", err)
		}
	}
	return nil
}

// CompleteCampaign moves an ATIVA campaign to CONCLUIDA. Returns false when
// the campaign was no longer active.
func (r *Repository) CompleteCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campanhas SET status = 'CONCLUIDA', updated_at = NOW()
		WHERE id = $1 AND status = 'ATIVA'
	`, id)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}

	completed := result.RowsAffected() > 0
	if completed {
		r.logger.Info("campaign completed", zap.String("campaign_id", id.String()))
	}
	return completed, nil
}
