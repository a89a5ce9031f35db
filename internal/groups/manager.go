// Package groups manages group membership and participant roles.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

var (
	ErrAlreadyParticipant  = errors.New("user is already a participant of this group")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrGroupNotFound       = errors.New("group not found")
	ErrRoleRequired        = errors.New("role is required")
	ErrInvalidRole         = errors.New("role must be admin or membro")
	ErrNotAdmin            = errors.New("only group admins can manage participants")
)

// Store is the persistence the manager needs.
type Store interface {
	AddParticipant(ctx context.Context, p *db.Participant) error
	RemoveParticipant(ctx context.Context, groupID, userID uuid.UUID) error
	UpdateParticipantRole(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error)
	GetParticipant(ctx context.Context, groupID, userID uuid.UUID) (*db.Participant, error)
	ListParticipants(ctx context.Context, groupID uuid.UUID) ([]*db.Participant, error)
}

// Manager enforces membership rules on top of the store.
type Manager struct {
	store  Store
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

func normalizeRole(role string) (string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "":
		return "", ErrRoleRequired
	case db.RoleAdmin, db.RoleMember:
		return role, nil
	case "member":
		return db.RoleMember, nil
	default:
		return "", ErrInvalidRole
	}
}

// AddParticipant adds a user to a group. An empty role means membro.
func (m *Manager) AddParticipant(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error) {
	if strings.TrimSpace(role) == "" {
		role = db.RoleMember
	}
	role, err := normalizeRole(role)
	if err != nil {
		return nil, err
	}

	p := &db.Participant{GroupID: groupID, UserID: userID, Role: role}
	if err := m.store.AddParticipant(ctx, p); err != nil {
		switch {
		case errors.Is(err, db.ErrDuplicate):
			return nil, ErrAlreadyParticipant
		case errors.Is(err, db.ErrForeignKey):
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("add participant: %w", err)
	}
	return p, nil
}

// RemoveParticipant deletes the membership of a user.
func (m *Manager) RemoveParticipant(ctx context.Context, groupID, userID uuid.UUID) error {
	if err := m.store.RemoveParticipant(ctx, groupID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrParticipantNotFound
		}
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// UpdateRole changes the role of an existing participant. It fails rather
// than creating a membership that does not exist.
func (m *Manager) UpdateRole(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error) {
	role, err := normalizeRole(role)
	if err != nil {
		return nil, err
	}

	p, err := m.store.UpdateParticipantRole(ctx, groupID, userID, role)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("update role: %w", err)
	}

	m.logger.Info("participant role updated",
		zap.String("group_id", groupID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", role),
	)
	return p, nil
}

// IsParticipant reports whether the user belongs to the group.
func (m *Manager) IsParticipant(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	_, err := m.store.GetParticipant(ctx, groupID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

// Role returns the role of a participant, or ErrParticipantNotFound.
func (m *Manager) Role(ctx context.Context, groupID, userID uuid.UUID) (string, error) {
	p, err := m.store.GetParticipant(ctx, groupID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrParticipantNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get participant: %w", err)
	}
	return p.Role, nil
}

// RequireAdmin fails with ErrNotAdmin unless userID is an admin of the group.
// Non-members get ErrNotAdmin too, so the error does not reveal membership.
func (m *Manager) RequireAdmin(ctx context.Context, groupID, userID uuid.UUID) error {
	role, err := m.Role(ctx, groupID, userID)
	if errors.Is(err, ErrParticipantNotFound) {
		return ErrNotAdmin
	}
	if err != nil {
		return err
	}
	if role != db.RoleAdmin {
		return ErrNotAdmin
	}
	return nil
}

func (m *Manager) ListParticipants(ctx context.Context, groupID uuid.UUID) ([]*db.Participant, error) {
	participants, err := m.store.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}
