package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

// Store is the per-user session state with a lease as the concurrency gate.
// TryAcquire succeeds only when no live lease is held for the user; the
// lease expires on its own after the TTL, so a crashed holder cannot
// deadlock the user's session.
type Store interface {
	Load(ctx context.Context, userID uuid.UUID) (model.UserSession, error)
	AppendTurns(ctx context.Context, userID uuid.UUID, turns ...model.Turn) (step int, err error)
	TryAcquire(ctx context.Context, userID uuid.UUID) (holder uuid.UUID, ok bool, err error)
	Release(ctx context.Context, userID uuid.UUID, holder uuid.UUID) error
}

// pgStore backs sessions with the session repository; lease state lives in
// the database so exclusivity holds across processes.
type pgStore struct {
	sessions repo.SessionRepo
	leaseTTL time.Duration
}

// NewStore creates a session store over the session repository
func NewStore(sessions repo.SessionRepo, leaseTTL time.Duration) Store {
	return &pgStore{sessions: sessions, leaseTTL: leaseTTL}
}

func (s *pgStore) Load(ctx context.Context, userID uuid.UUID) (model.UserSession, error) {
	sess, err := s.sessions.LoadOrCreate(ctx, userID)
	if err != nil {
		return model.UserSession{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *pgStore) AppendTurns(ctx context.Context, userID uuid.UUID, turns ...model.Turn) (int, error) {
	return s.sessions.AppendTurns(ctx, userID, turns)
}

func (s *pgStore) TryAcquire(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	// Acquiring implies the session row must exist.
	if _, err := s.sessions.LoadOrCreate(ctx, userID); err != nil {
		return uuid.Nil, false, fmt.Errorf("ensure session: %w", err)
	}
	holder := uuid.New()
	ok, err := s.sessions.TryAcquireLease(ctx, userID, holder, s.leaseTTL)
	if err != nil {
		return uuid.Nil, false, err
	}
	if !ok {
		return uuid.Nil, false, nil
	}
	return holder, true, nil
}

func (s *pgStore) Release(ctx context.Context, userID uuid.UUID, holder uuid.UUID) error {
	return s.sessions.ReleaseLease(ctx, userID, holder)
}
