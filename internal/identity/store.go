package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

// ErrNotFound is returned when a phone number has no active binding.
var ErrNotFound = errors.New("phone number not bound")

// ErrConflict is returned when a phone number is already bound to a
// different user.
var ErrConflict = errors.New("phone number bound to another user")

// Store resolves phone numbers to user IDs. Resolve sits on the hot path of
// every inbound message, so results are cached in memory; Bind and Revoke
// invalidate write-through.
type Store struct {
	bindings repo.BindingRepo

	mu    sync.RWMutex
	cache map[string]uuid.UUID
}

// NewStore creates a new identity store over the binding repository
func NewStore(bindings repo.BindingRepo) *Store {
	return &Store{
		bindings: bindings,
		cache:    make(map[string]uuid.UUID),
	}
}

// Resolve returns the user ID bound to the phone number, or ErrNotFound.
func (s *Store) Resolve(ctx context.Context, phone string) (uuid.UUID, error) {
	s.mu.RLock()
	userID, ok := s.cache[phone]
	s.mu.RUnlock()
	if ok {
		return userID, nil
	}

	binding, err := s.bindings.Resolve(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrBindingNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("resolve binding: %w", err)
	}

	s.mu.Lock()
	s.cache[phone] = binding.UserID
	s.mu.Unlock()
	return binding.UserID, nil
}

// Lookup returns the full active binding for a phone number. It always hits
// the repository: the admin surface wants current status and last-seen, not
// the resolve cache.
func (s *Store) Lookup(ctx context.Context, phone string) (model.PhoneBinding, error) {
	binding, err := s.bindings.Resolve(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrBindingNotFound) {
			return model.PhoneBinding{}, ErrNotFound
		}
		return model.PhoneBinding{}, fmt.Errorf("lookup binding: %w", err)
	}
	return binding, nil
}

// Bind claims the phone number for the user. Fails with ErrConflict when the
// number already has an active binding to someone else; never overwrites.
func (s *Store) Bind(ctx context.Context, phone string, userID uuid.UUID) (model.PhoneBinding, error) {
	binding, err := s.bindings.Bind(ctx, phone, userID)
	if err != nil {
		if errors.Is(err, repo.ErrBindingConflict) {
			return model.PhoneBinding{}, ErrConflict
		}
		return model.PhoneBinding{}, fmt.Errorf("bind: %w", err)
	}

	s.mu.Lock()
	s.cache[phone] = binding.UserID
	s.mu.Unlock()
	return binding, nil
}

// Revoke soft-revokes the binding and drops it from the cache.
func (s *Store) Revoke(ctx context.Context, phone string) error {
	if err := s.bindings.Revoke(ctx, phone); err != nil {
		if errors.Is(err, repo.ErrBindingNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, phone)
	s.mu.Unlock()
	return nil
}

// TouchLastSeen records inbound activity; cache state is unaffected.
func (s *Store) TouchLastSeen(ctx context.Context, phone string) error {
	return s.bindings.TouchLastSeen(ctx, phone)
}
