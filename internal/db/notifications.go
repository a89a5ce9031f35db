package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnabledChannels returns the channels a user turned on for a notification
// category.
func (r *Repository) EnabledChannels(ctx context.Context, userID uuid.UUID, category string) ([]string, error) {
	query := `
		SELECT canal
		FROM configuracoes_notificacao
		WHERE usuario_id = $1 AND tipo_notificacao = $2 AND habilitado = TRUE
		ORDER BY canal
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, category)
	if err != nil {
		return nil, fmt.Errorf("query channel config: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		channels = append(channels, channel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return channels, nil
}

// GetContact loads the delivery addresses of a user.
func (r *Repository) GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	query := `
		SELECT usuario_id, COALESCE(email, ''), COALESCE(telefone, ''), COALESCE(push_token, '')
		FROM contatos_usuario
		WHERE usuario_id = $1
	`

	var c Contact
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&c.UserID, &c.Email, &c.Phone, &c.PushToken)
	if err != nil {
		return nil, fmt.Errorf("query contact %s: %w", userID, mapError(err))
	}
	return &c, nil
}

// CreateNotification inserts a new in-app notification
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notificacoes (id, usuario_id, titulo, mensagem, tipo, categoria, lida)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.UserID,
		notif.Title,
		notif.Body,
		notif.Level,
		notif.Category,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", mapError(err))
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("category", notif.Category),
	)

	return nil
}

// ListNotifications retrieves a user's notifications with pagination
func (r *Repository) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	q := psql.Select("id, usuario_id, titulo, mensagem, tipo, categoria, lida, created_at").
		From("notificacoes").
		Where(sq.Eq{"usuario_id": userID})

	if unreadOnly {
		q = q.Where(sq.Eq{"lida": false})
	}

	sqlStr, args, err := q.OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build notifications query: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Title,
			&n.Body,
			&n.Level,
			&n.Category,
			&n.Read,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead flags one notification of the user as read
func (r *Repository) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notificacoes SET lida = TRUE WHERE id = $1 AND usuario_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllNotificationsRead flags every unread notification of the user
func (r *Repository) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notificacoes SET lida = TRUE WHERE usuario_id = $1 AND lida = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return result.RowsAffected(), nil
}
