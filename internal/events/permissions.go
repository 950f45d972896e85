package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGateNew       = "events.gate.new"
	opGateGrant     = "events.gate.grant"
	opGateRevoke    = "events.gate.revoke"
	opGateTransfer  = "events.gate.transfer"
	opGateAuthorize = "events.gate.authorize"
)

// GateConfig describes the dependencies of the permission gate.
type GateConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Gate resolves a user's effective role on an event and authorizes operations
// before they reach the version store. It fails closed: no permission row
// means Denied, never an implicit Viewer.
type Gate struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGate constructs the permission gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGateNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RoleFor returns the user's role on the event and whether any row exists.
func (g *Gate) RoleFor(ctx context.Context, userID UserID, eventID EventID) (Role, bool, error) {
	var permission Permission
	err := g.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", eventID.String(), userID.String()).
		Take(&permission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newServiceError(opGateAuthorize, "query_failed", err)
	}
	return permission.Role, true, nil
}

// Authorize checks that the user holds the required role or a stricter one.
func (g *Gate) Authorize(ctx context.Context, userID UserID, eventID EventID, required Role) error {
	role, found, err := g.RoleFor(ctx, userID, eventID)
	if err != nil {
		return err
	}
	if !found || !role.Satisfies(required) {
		return fmt.Errorf("%w: user %s requires %s on event %s",
			ErrDenied, userID.String(), required, eventID.String())
	}
	return nil
}

// Grant shares the event with a collaborator at the given role. Sharing
// requires Owner; granting a second Owner is rejected (use TransferOwnership).
func (g *Gate) Grant(ctx context.Context, actorID UserID, eventID EventID, targetID UserID, role Role) error {
	if err := g.Authorize(ctx, actorID, eventID, RoleOwner); err != nil {
		return err
	}
	if role == RoleOwner {
		return fmt.Errorf("%w: an event holds exactly one owner", ErrDenied)
	}
	now := g.clock().UTC().Unix()
	var existing Permission
	err := g.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", eventID.String(), targetID.String()).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		permission := Permission{
			EventID:    eventID.String(),
			UserID:     targetID.String(),
			Role:       role,
			CreatedAtS: now,
			UpdatedAtS: now,
		}
		if err := g.db.WithContext(ctx).Create(&permission).Error; err != nil {
			g.logError(opGateGrant, "insert_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opGateGrant, "insert_failed", err)
		}
		return nil
	case err != nil:
		return newServiceError(opGateGrant, "query_failed", err)
	case existing.Role == RoleOwner:
		return fmt.Errorf("%w: cannot demote the owner via grant", ErrDenied)
	default:
		existing.Role = role
		existing.UpdatedAtS = now
		if err := g.db.WithContext(ctx).Save(&existing).Error; err != nil {
			g.logError(opGateGrant, "update_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opGateGrant, "update_failed", err)
		}
		return nil
	}
}

// Revoke removes a collaborator's access. Revoking the Owner is rejected so
// the one-owner invariant holds at all times.
func (g *Gate) Revoke(ctx context.Context, actorID UserID, eventID EventID, targetID UserID) error {
	if err := g.Authorize(ctx, actorID, eventID, RoleOwner); err != nil {
		return err
	}
	role, found, err := g.RoleFor(ctx, targetID, eventID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no permission for user %s on event %s",
			ErrNotFound, targetID.String(), eventID.String())
	}
	if role == RoleOwner {
		return fmt.Errorf("%w: the owner cannot be revoked", ErrDenied)
	}
	if err := g.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", eventID.String(), targetID.String()).
		Delete(&Permission{}).Error; err != nil {
		g.logError(opGateRevoke, "delete_failed", err, zap.String("event_id", eventID.String()))
		return newServiceError(opGateRevoke, "delete_failed", err)
	}
	return nil
}

// TransferOwnership moves the Owner role to another collaborator in one
// transaction, demoting the previous owner to Editor.
func (g *Gate) TransferOwnership(ctx context.Context, actorID UserID, eventID EventID, newOwnerID UserID) error {
	if err := g.Authorize(ctx, actorID, eventID, RoleOwner); err != nil {
		return err
	}
	if actorID == newOwnerID {
		return nil
	}
	now := g.clock().UTC().Unix()
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Permission{}).
			Where("event_id = ? AND user_id = ?", eventID.String(), actorID.String()).
			Updates(map[string]any{"role": RoleEditor, "updated_at_s": now}).Error; err != nil {
			return err
		}
		var target Permission
		err := tx.Where("event_id = ? AND user_id = ?", eventID.String(), newOwnerID.String()).
			Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			target = Permission{
				EventID:    eventID.String(),
				UserID:     newOwnerID.String(),
				Role:       RoleOwner,
				CreatedAtS: now,
				UpdatedAtS: now,
			}
			return tx.Create(&target).Error
		}
		if err != nil {
			return err
		}
		target.Role = RoleOwner
		target.UpdatedAtS = now
		if err := tx.Save(&target).Error; err != nil {
			return err
		}
		return tx.Model(&Event{}).
			Where("event_id = ?", eventID.String()).
			Updates(map[string]any{"owner_id": newOwnerID.String(), "updated_at_s": now}).Error
	})
	if err != nil {
		g.logError(opGateTransfer, "transaction_failed", err, zap.String("event_id", eventID.String()))
		return newServiceError(opGateTransfer, "transaction_failed", err)
	}
	return nil
}

// ListPermissions returns all permission rows of one event. Viewing the share
// list requires Owner, matching the sharing surface.
func (g *Gate) ListPermissions(ctx context.Context, actorID UserID, eventID EventID) ([]Permission, error) {
	if err := g.Authorize(ctx, actorID, eventID, RoleOwner); err != nil {
		return nil, err
	}
	var permissions []Permission
	if err := g.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Order("user_id ASC").
		Find(&permissions).Error; err != nil {
		return nil, newServiceError("events.gate.list", "query_failed", err)
	}
	return permissions, nil
}

// ParticipantsOf returns every user holding any role on the event.
func (g *Gate) ParticipantsOf(ctx context.Context, eventID EventID) ([]UserID, error) {
	var permissions []Permission
	if err := g.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Find(&permissions).Error; err != nil {
		return nil, newServiceError("events.gate.participants", "query_failed", err)
	}
	participants := make([]UserID, 0, len(permissions))
	for _, permission := range permissions {
		participants = append(participants, UserID(permission.UserID))
	}
	return participants, nil
}

// EditorsOf returns the users holding Editor or Owner on the event.
func (g *Gate) EditorsOf(ctx context.Context, eventID EventID) ([]UserID, error) {
	var permissions []Permission
	if err := g.db.WithContext(ctx).
		Where("event_id = ? AND role IN ?", eventID.String(), []Role{RoleOwner, RoleEditor}).
		Find(&permissions).Error; err != nil {
		return nil, newServiceError("events.gate.editors", "query_failed", err)
	}
	editors := make([]UserID, 0, len(permissions))
	for _, permission := range permissions {
		editors = append(editors, UserID(permission.UserID))
	}
	return editors, nil
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("permission gate error", attrs...)
}
