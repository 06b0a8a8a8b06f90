package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/model"
)

// MemoryStore is an in-memory Store used in dev mode and tests. Lease
// semantics match the Postgres-backed store, including timeout reclaim.
type MemoryStore struct {
	leaseTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*model.UserSession
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore(leaseTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		leaseTTL: leaseTTL,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*model.UserSession),
	}
}

func (s *MemoryStore) get(userID uuid.UUID) *model.UserSession {
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &model.UserSession{
			UserID:         userID,
			LastActivityAt: s.now(),
			CreatedAt:      s.now(),
		}
		s.sessions[userID] = sess
	}
	return sess
}

func (s *MemoryStore) Load(_ context.Context, userID uuid.UUID) (model.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(userID)
	out := *sess
	out.Turns = append([]model.Turn(nil), sess.Turns...)
	return out, nil
}

func (s *MemoryStore) AppendTurns(_ context.Context, userID uuid.UUID, turns ...model.Turn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(userID)
	sess.Step++
	now := s.now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		sess.Turns = append(sess.Turns, t)
	}
	sess.LastActivityAt = now
	return sess.Step, nil
}

func (s *MemoryStore) TryAcquire(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(userID)
	now := s.now()
	if sess.LeaseHolder != nil && sess.LeaseUntil != nil && now.Before(*sess.LeaseUntil) {
		return uuid.Nil, false, nil
	}
	holder := uuid.New()
	until := now.Add(s.leaseTTL)
	sess.LeaseHolder = &holder
	sess.LeaseUntil = &until
	return holder, true, nil
}

func (s *MemoryStore) Release(_ context.Context, userID uuid.UUID, holder uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(userID)
	if sess.LeaseHolder == nil || *sess.LeaseHolder != holder {
		// Lease was reclaimed after timing out; the new holder keeps it.
		return nil
	}
	sess.LeaseHolder = nil
	sess.LeaseUntil = nil
	return nil
}
