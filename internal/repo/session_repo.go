package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/textrelay/server/internal/model"
)

// SessionRepo defines the interface for user session repository operations.
// The lease columns implement the per-user exclusivity gate: TryAcquireLease
// succeeds only when the lease is free or its timeout has passed, so a
// crashed holder can never block a user's session permanently.
type SessionRepo interface {
	LoadOrCreate(ctx context.Context, userID uuid.UUID) (model.UserSession, error)
	AppendTurns(ctx context.Context, userID uuid.UUID, turns []model.Turn) (newStep int, err error)
	TryAcquireLease(ctx context.Context, userID uuid.UUID, holder uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, userID uuid.UUID, holder uuid.UUID) error
	ArchiveIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// LoadOrCreate returns the session for the user, creating an empty one on
// first contact. An archived session is reopened fresh: the turn log is
// retained but the step counter continues from where it left off.
func (r *sessionRepo) LoadOrCreate(ctx context.Context, userID uuid.UUID) (model.UserSession, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_sessions (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET archived = FALSE
	`, userID)
	if err != nil {
		return model.UserSession{}, fmt.Errorf("ensure session: %w", err)
	}

	var s model.UserSession
	var userIDStr string
	var leaseHolder sql.NullString
	var leaseUntil sql.NullTime
	err = r.db.QueryRowContext(ctx, `
		SELECT user_id, step, lease_holder, lease_until, last_activity_at, archived, created_at
		FROM user_sessions
		WHERE user_id = $1
	`, userID).Scan(&userIDStr, &s.Step, &leaseHolder, &leaseUntil, &s.LastActivityAt, &s.Archived, &s.CreatedAt)
	if err != nil {
		return model.UserSession{}, fmt.Errorf("query session: %w", err)
	}
	s.UserID, err = uuid.Parse(userIDStr)
	if err != nil {
		return model.UserSession{}, fmt.Errorf("parse user ID: %w", err)
	}
	if leaseHolder.Valid {
		h, err := uuid.Parse(leaseHolder.String)
		if err != nil {
			return model.UserSession{}, fmt.Errorf("parse lease holder: %w", err)
		}
		s.LeaseHolder = &h
	}
	if leaseUntil.Valid {
		s.LeaseUntil = &leaseUntil.Time
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM session_turns
		WHERE user_id = $1
		ORDER BY step, created_at
	`, userID)
	if err != nil {
		return model.UserSession{}, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return model.UserSession{}, fmt.Errorf("scan turn: %w", err)
		}
		s.Turns = append(s.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return model.UserSession{}, fmt.Errorf("iterate turns: %w", err)
	}
	return s, nil
}

// AppendTurns appends the turns and bumps the step counter atomically.
// The counter only ever increases.
func (r *sessionRepo) AppendTurns(ctx context.Context, userID uuid.UUID, turns []model.Turn) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var newStep int
	err = tx.QueryRowContext(ctx, `
		UPDATE user_sessions
		SET step = step + 1, last_activity_at = now()
		WHERE user_id = $1
		RETURNING step
	`, userID).Scan(&newStep)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("session not found")
		}
		return 0, fmt.Errorf("bump step: %w", err)
	}

	for _, t := range turns {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_turns (user_id, step, role, content)
			VALUES ($1, $2, $3, $4)
		`, userID, newStep, t.Role, t.Content)
		if err != nil {
			return 0, fmt.Errorf("insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newStep, nil
}

// TryAcquireLease attempts to claim the session for the holder. The
// conditional UPDATE is the check-and-set: it succeeds only when no lease is
// held or the previous lease has expired.
func (r *sessionRepo) TryAcquireLease(ctx context.Context, userID uuid.UUID, holder uuid.UUID, ttl time.Duration) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET lease_holder = $2, lease_until = now() + $3 * interval '1 second'
		WHERE user_id = $1
		  AND (lease_holder IS NULL OR lease_until < now())
	`, userID, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease frees the session if the caller still holds it. A lease that
// was reclaimed after timing out is not released out from under the new holder.
func (r *sessionRepo) ReleaseLease(ctx context.Context, userID uuid.UUID, holder uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET lease_holder = NULL, lease_until = NULL
		WHERE user_id = $1 AND lease_holder = $2
	`, userID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ArchiveIdleBefore flips sessions idle since before the cutoff to archived.
// Turns are retained; the session reopens on the next inbound message.
func (r *sessionRepo) ArchiveIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET archived = TRUE
		WHERE archived = FALSE AND last_activity_at < $1 AND lease_holder IS NULL
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
