package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/textrelay/server/internal/model"
)

// ErrEventNotFound is returned when no event exists for a provider message ID.
var ErrEventNotFound = errors.New("event not found")

// EventRepo defines the interface for inbound event repository operations.
// The provider message ID is the idempotency key: InsertIfAbsent reports
// whether this delivery is the first one seen.
type EventRepo interface {
	InsertIfAbsent(ctx context.Context, providerMessageID, from, body string) (created bool, err error)
	GetByProviderID(ctx context.Context, providerMessageID string) (model.InboundMessageEvent, error)
	MarkStatus(ctx context.Context, providerMessageID string, status model.EventStatus) error
	SetReply(ctx context.Context, providerMessageID string, status model.EventStatus, reply string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type eventRepo struct {
	db *sql.DB
}

// NewEventRepo creates a new EventRepo instance
func NewEventRepo(db *sql.DB) EventRepo {
	return &eventRepo{db: db}
}

// InsertIfAbsent records the event unless one with the same provider message
// ID already exists. ON CONFLICT DO NOTHING makes concurrent redeliveries
// race-safe: exactly one caller observes created=true.
func (r *eventRepo) InsertIfAbsent(ctx context.Context, providerMessageID, from, body string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_events (provider_message_id, from_number, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_message_id) DO NOTHING
	`, providerMessageID, from, body)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByProviderID returns the stored event.
func (r *eventRepo) GetByProviderID(ctx context.Context, providerMessageID string) (model.InboundMessageEvent, error) {
	query := `
		SELECT provider_message_id, from_number, body, received_at, status, reply
		FROM inbound_events
		WHERE provider_message_id = $1
	`
	var e model.InboundMessageEvent
	err := r.db.QueryRowContext(ctx, query, providerMessageID).Scan(
		&e.ProviderMessageID,
		&e.From,
		&e.Body,
		&e.ReceivedAt,
		&e.Status,
		&e.Reply,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InboundMessageEvent{}, ErrEventNotFound
		}
		return model.InboundMessageEvent{}, fmt.Errorf("query event: %w", err)
	}
	return e, nil
}

// MarkStatus updates the processing status.
func (r *eventRepo) MarkStatus(ctx context.Context, providerMessageID string, status model.EventStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE inbound_events SET status = $2 WHERE provider_message_id = $1
	`, providerMessageID, status)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// SetReply stores the computed reply alongside the terminal status so a
// provider redelivery can be answered without re-running the agent.
func (r *eventRepo) SetReply(ctx context.Context, providerMessageID string, status model.EventStatus, reply string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE inbound_events SET status = $2, reply = $3 WHERE provider_message_id = $1
	`, providerMessageID, status, reply)
	if err != nil {
		return fmt.Errorf("set reply: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// PurgeOlderThan deletes events received before the cutoff. Retention only
// needs to cover the provider's webhook retry window.
func (r *eventRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM inbound_events WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
