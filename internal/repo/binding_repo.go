package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/textrelay/server/internal/model"
)

// ErrBindingNotFound is returned when no active binding exists for a phone number.
var ErrBindingNotFound = errors.New("binding not found")

// ErrBindingConflict is returned when a phone number already has an active
// binding to a different user. Bind never silently overwrites.
var ErrBindingConflict = errors.New("phone number already bound to another user")

// BindingRepo defines the interface for phone binding repository operations
type BindingRepo interface {
	Resolve(ctx context.Context, phone string) (model.PhoneBinding, error)
	Bind(ctx context.Context, phone string, userID uuid.UUID) (model.PhoneBinding, error)
	Revoke(ctx context.Context, phone string) error
	TouchLastSeen(ctx context.Context, phone string) error
}

type bindingRepo struct {
	db *sql.DB
}

// NewBindingRepo creates a new BindingRepo instance
func NewBindingRepo(db *sql.DB) BindingRepo {
	return &bindingRepo{db: db}
}

// Resolve returns the active (non-revoked) binding for the phone number.
func (r *bindingRepo) Resolve(ctx context.Context, phone string) (model.PhoneBinding, error) {
	query := `
		SELECT phone_number, user_id, status, created_at, last_seen_at
		FROM phone_bindings
		WHERE phone_number = $1 AND status <> 'revoked'
	`
	var b model.PhoneBinding
	var userIDStr string
	err := r.db.QueryRowContext(ctx, query, phone).Scan(
		&b.PhoneNumber,
		&userIDStr,
		&b.Status,
		&b.CreatedAt,
		&b.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PhoneBinding{}, ErrBindingNotFound
		}
		return model.PhoneBinding{}, fmt.Errorf("query binding: %w", err)
	}
	b.UserID, err = uuid.Parse(userIDStr)
	if err != nil {
		return model.PhoneBinding{}, fmt.Errorf("parse user ID: %w", err)
	}
	return b, nil
}

// Bind claims the phone number for the user. An existing active binding to the
// same user is re-verified in place; one to a different user is a conflict.
// Uses an advisory lock to serialize concurrent claims on the same number.
func (r *bindingRepo) Bind(ctx context.Context, phone string, userID uuid.UUID) (model.PhoneBinding, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PhoneBinding{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, phone)
	if err != nil {
		return model.PhoneBinding{}, fmt.Errorf("advisory lock: %w", err)
	}

	var existingUser string
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM phone_bindings
		WHERE phone_number = $1 AND status <> 'revoked'
	`, phone).Scan(&existingUser)
	switch {
	case err == nil:
		if existingUser != userID.String() {
			return model.PhoneBinding{}, ErrBindingConflict
		}
	case errors.Is(err, sql.ErrNoRows):
		// free to claim
	default:
		return model.PhoneBinding{}, fmt.Errorf("check existing binding: %w", err)
	}

	var b model.PhoneBinding
	var userIDStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO phone_bindings (phone_number, user_id, status)
		VALUES ($1, $2, 'verified')
		ON CONFLICT (phone_number) DO UPDATE
		SET user_id = EXCLUDED.user_id, status = 'verified', last_seen_at = NULL
		RETURNING phone_number, user_id, status, created_at, last_seen_at
	`, phone, userID).Scan(&b.PhoneNumber, &userIDStr, &b.Status, &b.CreatedAt, &b.LastSeenAt)
	if err != nil {
		return model.PhoneBinding{}, fmt.Errorf("insert binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.PhoneBinding{}, fmt.Errorf("commit: %w", err)
	}

	b.UserID, err = uuid.Parse(userIDStr)
	if err != nil {
		return model.PhoneBinding{}, fmt.Errorf("parse user ID: %w", err)
	}
	return b, nil
}

// Revoke soft-revokes the binding; the row is kept for audit.
func (r *bindingRepo) Revoke(ctx context.Context, phone string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE phone_bindings SET status = 'revoked' WHERE phone_number = $1 AND status <> 'revoked'
	`, phone)
	if err != nil {
		return fmt.Errorf("revoke binding: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// TouchLastSeen records inbound activity on the binding.
func (r *bindingRepo) TouchLastSeen(ctx context.Context, phone string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE phone_bindings SET last_seen_at = now() WHERE phone_number = $1
	`, phone)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}
