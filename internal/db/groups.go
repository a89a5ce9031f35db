package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AddParticipant inserts a membership row. A second insert for the same
// (group, user) fails with ErrDuplicate; an unknown group with ErrForeignKey.
func (r *Repository) AddParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participantes (grupo_id, usuario_id, papel)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, p.GroupID, p.UserID, p.Role).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert participant: %w", mapError(err))
	}

	r.logger.Info("participant added",
		zap.String("group_id", p.GroupID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("role", p.Role),
	)
	return nil
}

// RemoveParticipant deletes a membership row
func (r *Repository) RemoveParticipant(ctx context.Context, groupID, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM participantes WHERE grupo_id = $1 AND usuario_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("participant %s in group %s: %w", userID, groupID, ErrNotFound)
	}

	r.logger.Info("participant removed",
		zap.String("group_id", groupID.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// UpdateParticipantRole changes the role of an existing participant. It never
// creates a row.
func (r *Repository) UpdateParticipantRole(ctx context.Context, groupID, userID uuid.UUID, role string) (*Participant, error) {
	query := `
		UPDATE participantes SET papel = $3
		WHERE grupo_id = $1 AND usuario_id = $2
		RETURNING grupo_id, usuario_id, papel, created_at
	`

	var p Participant
	err := r.db.Pool().QueryRow(ctx, query, groupID, userID, role).Scan(&p.GroupID, &p.UserID, &p.Role, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("update participant role: %w", mapError(err))
	}
	return &p, nil
}

// GetParticipant loads a single membership row
func (r *Repository) GetParticipant(ctx context.Context, groupID, userID uuid.UUID) (*Participant, error) {
	query := `
		SELECT grupo_id, usuario_id, papel, created_at
		FROM participantes
		WHERE grupo_id = $1 AND usuario_id = $2
	`

	var p Participant
	err := r.db.Pool().QueryRow(ctx, query, groupID, userID).Scan(&p.GroupID, &p.UserID, &p.Role, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query participant: %w", mapError(err))
	}
	return &p, nil
}

// ListParticipants returns the members of a group, oldest first
func (r *Repository) ListParticipants(ctx context.Context, groupID uuid.UUID) ([]*Participant, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT grupo_id, usuario_id, papel, created_at
		FROM participantes
		WHERE grupo_id = $1
		ORDER BY created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.GroupID, &p.UserID, &p.Role, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return participants, nil
}
