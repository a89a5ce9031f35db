package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const conversationColumns = `id, titulo, status, canal, contraparte, usuario_id,
	ultima_mensagem, ultima_mensagem_at, nao_lidas, created_at, updated_at`

const messageColumns = `id, conversa_id, remetente_id, conteudo, tipo, lida,
	id_externo, status_entrega, erro_entrega, created_at`

// ConversationFilter narrows ListConversations. Zero values mean "any".
type ConversationFilter struct {
	UserID  *uuid.UUID
	Status  string
	Channel string
	Search  string
	Limit   int
	Offset  int
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Status,
		&c.Channel,
		&c.Counterpart,
		&c.UserID,
		&c.LastMessage,
		&c.LastMessageAt,
		&c.UnreadCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&m.Type,
		&m.Read,
		&m.ExternalID,
		&m.DeliveryStatus,
		&m.DeliveryError,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a message and updates its conversation summary in a
// single transaction: last message, last message time and an atomic unread
// increment. A message whose external id was already stored returns
// ErrDuplicate and leaves the conversation untouched.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) (*Conversation, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO mensagens (
			id, conversa_id, remetente_id, conteudo, tipo, lida,
			id_externo, status_entrega
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id_externo) DO NOTHING
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertQuery,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msg.Type,
		msg.Read,
		msg.ExternalID,
		msg.DeliveryStatus,
	).Scan(&msg.CreatedAt)

	if err == pgx.ErrNoRows {
		// ON CONFLICT swallowed the row: the provider redelivered a message we have.
		return nil, fmt.Errorf("insert message: %w", ErrDuplicate)
	}
	if err != nil {
		r.logger.Error("failed to insert message",
			zap.Error(err),
			zap.String("conversation_id", msg.ConversationID.String()),
		)
		return nil, fmt.Errorf("insert message: %w", mapError(err))
	}

	// Last-message fields only move forward in time so a slow writer
	// committing after a newer message cannot roll the summary back.
	updateQuery := `
		UPDATE conversas SET
			ultima_mensagem = CASE
				WHEN ultima_mensagem_at IS NULL OR ultima_mensagem_at <= $2::timestamptz THEN $1
				ELSE ultima_mensagem
			END,
			ultima_mensagem_at = GREATEST(COALESCE(ultima_mensagem_at, $2::timestamptz), $2::timestamptz),
			nao_lidas = nao_lidas + 1,
			status = 'aberta',
			updated_at = NOW()
		WHERE id = $3
		RETURNING ` + conversationColumns

	conv, err := scanConversation(tx.QueryRow(ctx, updateQuery, msg.Content, msg.CreatedAt, msg.ConversationID))
	if err != nil {
		return nil, fmt.Errorf("update conversation summary: %w", mapError(err))
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("message stored",
		zap.String("message_id", msg.ID.String()),
		zap.String("conversation_id", conv.ID.String()),
		zap.Int("unread", conv.UnreadCount),
	)

	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversas WHERE id = $1`

	conv, err := scanConversation(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", id, mapError(err))
	}
	return conv, nil
}

// GetOrCreateConversation returns the conversation for (channel, counterpart),
// creating it on first contact. Concurrent callers converge on one row.
func (r *Repository) GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}

	query := `
		INSERT INTO conversas (id, titulo, status, canal, contraparte, usuario_id, nao_lidas)
		VALUES ($1, $2, 'aberta', $3, $4, $5, 0)
		ON CONFLICT (canal, contraparte) DO UPDATE
			SET titulo = COALESCE(NULLIF(conversas.titulo, ''), EXCLUDED.titulo)
		RETURNING ` + conversationColumns

	stored, err := scanConversation(r.db.Pool().QueryRow(ctx, query,
		conv.ID,
		conv.Title,
		conv.Channel,
		conv.Counterpart,
		conv.UserID,
	))
	if err != nil {
		r.logger.Error("failed to upsert conversation",
			zap.Error(err),
			zap.String("channel", conv.Channel),
			zap.String("counterpart", conv.Counterpart),
		)
		return nil, fmt.Errorf("upsert conversation: %w", mapError(err))
	}

	return stored, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (r *Repository) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	q := psql.Select(conversationColumns).From("conversas")

	if f.UserID != nil {
		q = q.Where(sq.Eq{"usuario_id": *f.UserID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Channel != "" {
		q = q.Where(sq.Eq{"canal": f.Channel})
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where(sq.Or{
			sq.ILike{"titulo": like},
			sq.ILike{"contraparte": like},
		})
	}

	q = q.OrderBy("ultima_mensagem_at DESC NULLS LAST", "created_at DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversations query: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return conversations, nil
}

// ListMessages returns up to limit messages of a conversation, newest first.
// When before is set only messages created strictly earlier are returned.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*Message, error) {
	q := psql.Select(messageColumns).
		From("mensagens").
		Where(sq.Eq{"conversa_id": conversationID})

	if before != nil {
		q = q.Where(sq.Lt{"created_at": *before})
	}

	sqlStr, args, err := q.OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// MarkConversationRead flags every message not written by the reader as read
// and resets the unread counter, atomically. Returns the number of messages
// that flipped to read.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `UPDATE conversas SET nao_lidas = 0, updated_at = NOW() WHERE id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("reset unread: %w", err)
	}
	if result.RowsAffected() == 0 {
		return 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	marked, err := tx.Exec(ctx, `
		UPDATE mensagens SET lida = TRUE
		WHERE conversa_id = $1 AND lida = FALSE
			AND (remetente_id IS NULL OR remetente_id <> $2)
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return marked.RowsAffected(), nil
}

// ArchiveConversation moves a conversation out of the active inbox. Rows are
// never deleted.
func (r *Repository) ArchiveConversation(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE conversas SET status = 'arquivada', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	r.logger.Info("conversation archived", zap.String("conversation_id", id.String()))
	return nil
}

// SetMessageDelivery records the outcome of handing a message to an external
// channel.
func (r *Repository) SetMessageDelivery(ctx context.Context, id uuid.UUID, externalID *string, status string, deliveryErr *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE mensagens
		SET id_externo = COALESCE($2, id_externo), status_entrega = $3, erro_entrega = $4
		WHERE id = $1
	`, id, externalID, status, deliveryErr)
	if err != nil {
		return fmt.Errorf("set message delivery: %w", mapError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// deliveryRank orders delivery statuses; a status update is only applied when
// it moves a message forward. Failure ranks above every other status, so a
// failed message stays failed even if a late "delivered" callback arrives.
func deliveryRank(status string) int {
	switch status {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	case DeliveryFailed:
		return 99
	default:
		return -1
	}
}

// DeliveryAdvances reports whether a message in the current status (nil when
// unset) accepts next.
func DeliveryAdvances(current *string, next string) bool {
	return current == nil || deliveryRank(next) > deliveryRank(*current)
}

// deliveryRankSQL renders deliveryRank as a CASE over the given column.
func deliveryRankSQL(column string) string {
	var b strings.Builder
	b.WriteString("CASE " + column)
	for _, st := range []string{DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed} {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, deliveryRank(st))
	}
	b.WriteString(" ELSE -1 END")
	return b.String()
}

// UpdateDeliveryStatus applies a provider status callback to the message with
// the given external id. Returns false when no message matched or the status
// would not move it forward.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, externalID, status string, deliveryErr *string) (bool, error) {
	query := `
		UPDATE mensagens
		SET status_entrega = $2, erro_entrega = $3
		WHERE id_externo = $1
			AND (status_entrega IS NULL OR $4 > ` + deliveryRankSQL("status_entrega") + `)
	`

	result, err := r.db.Pool().Exec(ctx, query, externalID, status, deliveryErr, deliveryRank(status))
	if err != nil {
		return false, fmt.Errorf("update delivery status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
