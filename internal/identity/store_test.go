package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

// fakeBindingRepo is an in-memory BindingRepo that counts Resolve calls so
// tests can observe cache hits.
type fakeBindingRepo struct {
	mu       sync.Mutex
	bindings map[string]model.PhoneBinding
	resolves int
}

func newFakeBindingRepo() *fakeBindingRepo {
	return &fakeBindingRepo{bindings: make(map[string]model.PhoneBinding)}
}

func (f *fakeBindingRepo) Resolve(_ context.Context, phone string) (model.PhoneBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	b, ok := f.bindings[phone]
	if !ok || b.Status == model.BindingRevoked {
		return model.PhoneBinding{}, repo.ErrBindingNotFound
	}
	return b, nil
}

func (f *fakeBindingRepo) Bind(_ context.Context, phone string, userID uuid.UUID) (model.PhoneBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bindings[phone]; ok && b.Status != model.BindingRevoked && b.UserID != userID {
		return model.PhoneBinding{}, repo.ErrBindingConflict
	}
	b := model.PhoneBinding{PhoneNumber: phone, UserID: userID, Status: model.BindingVerified}
	f.bindings[phone] = b
	return b, nil
}

func (f *fakeBindingRepo) Revoke(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[phone]
	if !ok || b.Status == model.BindingRevoked {
		return repo.ErrBindingNotFound
	}
	b.Status = model.BindingRevoked
	f.bindings[phone] = b
	return nil
}

func (f *fakeBindingRepo) TouchLastSeen(_ context.Context, _ string) error { return nil }

func TestStore_BindResolveRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBindingRepo()
	store := NewStore(fake)
	userID := uuid.New()
	phone := "+15551234567"

	_, err := store.Resolve(ctx, phone)
	assert.ErrorIs(t, err, ErrNotFound, "unbound phone must resolve to ErrNotFound")

	_, err = store.Bind(ctx, phone, userID)
	require.NoError(t, err)

	got, err := store.Resolve(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	require.NoError(t, store.Revoke(ctx, phone))

	_, err = store.Resolve(ctx, phone)
	assert.ErrorIs(t, err, ErrNotFound, "revoked binding must resolve to ErrNotFound")
}

func TestStore_BindConflict(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeBindingRepo())
	phone := "+15551234567"

	_, err := store.Bind(ctx, phone, uuid.New())
	require.NoError(t, err)

	_, err = store.Bind(ctx, phone, uuid.New())
	assert.ErrorIs(t, err, ErrConflict, "binding a claimed number to a different user must conflict")
}

func TestStore_RebindSameUserAllowed(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeBindingRepo())
	userID := uuid.New()

	_, err := store.Bind(ctx, "+15551234567", userID)
	require.NoError(t, err)
	_, err = store.Bind(ctx, "+15551234567", userID)
	assert.NoError(t, err, "re-verifying the same user's binding must not conflict")
}

func TestStore_ResolveUsesCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBindingRepo()
	store := NewStore(fake)
	userID := uuid.New()
	phone := "+15551234567"

	_, err := store.Bind(ctx, phone, userID)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		got, err := store.Resolve(ctx, phone)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	}

	fake.mu.Lock()
	resolves := fake.resolves
	fake.mu.Unlock()
	assert.Equal(t, 0, resolves, "Bind populates the cache; repeated Resolve must not hit the repo")
}

func TestStore_RevokeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBindingRepo()
	store := NewStore(fake)
	phone := "+15551234567"

	_, err := store.Bind(ctx, phone, uuid.New())
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, phone))

	_, err = store.Resolve(ctx, phone)
	assert.ErrorIs(t, err, ErrNotFound)

	fake.mu.Lock()
	resolves := fake.resolves
	fake.mu.Unlock()
	assert.Equal(t, 1, resolves, "Resolve after Revoke must go back to the repo")
}
