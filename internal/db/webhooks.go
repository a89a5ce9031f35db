package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ApplyLytexEvent records a Lytex webhook in the dedupe ledger and hands the
// payload to processar_webhook_lytex, both in one transaction. When the
// (provider, key) pair was already recorded nothing is applied and duplicate
// is true.
func (r *Repository) ApplyLytexEvent(ctx context.Context, evt *WebhookEvent) (duplicate bool, err error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO webhook_eventos (provedor, chave, evento, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provedor, chave) DO NOTHING
		RETURNING recebido_em
	`, evt.Provider, evt.Key, evt.Event, evt.Payload).Scan(&evt.ReceivedAt)

	if err == pgx.ErrNoRows {
		r.logger.Info("duplicate webhook ignored",
			zap.String("provider", evt.Provider),
			zap.String("key", evt.Key),
		)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}

	if _, err = tx.Exec(ctx, `SELECT processar_webhook_lytex($1::jsonb)`, evt.Payload); err != nil {
		r.logger.Error("processar_webhook_lytex failed",
			zap.Error(err),
			zap.String("key", evt.Key),
		)
		return false, fmt.Errorf("processar_webhook_lytex: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return false, nil
}
