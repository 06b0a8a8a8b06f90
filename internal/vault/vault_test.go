package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

type grantKey struct {
	user     uuid.UUID
	provider model.Provider
}

// fakeGrantRepo is an in-memory GrantRepo
type fakeGrantRepo struct {
	mu     sync.Mutex
	grants map[grantKey]model.OAuthGrant
}

func newFakeGrantRepo() *fakeGrantRepo {
	return &fakeGrantRepo{grants: make(map[grantKey]model.OAuthGrant)}
}

func (f *fakeGrantRepo) Get(_ context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[grantKey{userID, provider}]
	if !ok {
		return model.OAuthGrant{}, repo.ErrGrantNotFound
	}
	return g, nil
}

func (f *fakeGrantRepo) Upsert(_ context.Context, grant model.OAuthGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[grantKey{grant.UserID, grant.Provider}] = grant
	return nil
}

func (f *fakeGrantRepo) UpdateTokens(_ context.Context, userID uuid.UUID, provider model.Provider, access, refresh []byte, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[grantKey{userID, provider}]
	if !ok {
		return repo.ErrGrantNotFound
	}
	g.AccessToken = access
	g.RefreshToken = refresh
	g.ExpiresAt = expiresAt
	g.Status = model.GrantActive
	f.grants[grantKey{userID, provider}] = g
	return nil
}

func (f *fakeGrantRepo) SetStatus(_ context.Context, userID uuid.UUID, provider model.Provider, status model.GrantStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[grantKey{userID, provider}]
	if !ok {
		return repo.ErrGrantNotFound
	}
	g.Status = status
	f.grants[grantKey{userID, provider}] = g
	return nil
}

func (f *fakeGrantRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.OAuthGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OAuthGrant
	for k, g := range f.grants {
		if k.user == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

// fakeProvider counts refresh calls and can be told to reject or block
type fakeProvider struct {
	name model.Provider

	mu       sync.Mutex
	calls    int
	reject   bool
	delay    time.Duration
	rotated  string
	expires  time.Duration
}

func (p *fakeProvider) Name() model.Provider { return p.name }

func (p *fakeProvider) Refresh(ctx context.Context, _ string) (TokenSet, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	reject := p.reject
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TokenSet{}, ctx.Err()
		}
	}
	if reject {
		return TokenSet{}, fmt.Errorf("%w: invalid_grant", ErrRefreshRejected)
	}
	expires := p.expires
	if expires == 0 {
		expires = time.Hour
	}
	return TokenSet{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: p.rotated,
		ExpiresAt:    time.Now().Add(expires),
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func storeGrant(t *testing.T, v *Vault, userID uuid.UUID, provider model.Provider, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, v.StoreGrant(context.Background(), GrantInput{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"calendar"},
	}))
}

func TestSealer_RoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("super-secret-token")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "super-secret-token")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", opened)
}

func TestSealer_RejectsTamperedCiphertext(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("token")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF
	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func TestGetValidToken_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderGoogle}
	v := New(grants, newTestSealer(t), nil, provider)
	userID := uuid.New()

	storeGrant(t, v, userID, model.ProviderGoogle, time.Now().Add(2*time.Hour))

	token, err := v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Equal(t, 0, provider.callCount())
}

func TestGetValidToken_RefreshesNearExpiry(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderGoogle}
	v := New(grants, newTestSealer(t), nil, provider)
	userID := uuid.New()

	storeGrant(t, v, userID, model.ProviderGoogle, time.Now().Add(2*time.Minute))

	token, err := v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, 1, provider.callCount())

	g, err := grants.Get(context.Background(), userID, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, model.GrantActive, g.Status)
}

func TestGetValidToken_MissingGrantNeedsReauth(t *testing.T) {
	v := New(newFakeGrantRepo(), newTestSealer(t), nil)
	_, err := v.GetValidToken(context.Background(), uuid.New(), model.ProviderGoogle)
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestGetValidToken_RejectedRefreshExpiresGrant(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderGoogle, reject: true}
	v := New(grants, newTestSealer(t), nil, provider)
	userID := uuid.New()

	// 2 minutes from expiry, inside the refresh margin
	storeGrant(t, v, userID, model.ProviderGoogle, time.Now().Add(2*time.Minute))

	_, err := v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
	assert.ErrorIs(t, err, ErrNeedsReauth)

	g, err := grants.Get(context.Background(), userID, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, model.GrantExpired, g.Status, "rejected refresh must transition the grant to expired")

	// Subsequent calls short-circuit without hitting the provider again.
	_, err = v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 1, provider.callCount(), "an expired grant must not be silently retried forever")
}

func TestGetValidToken_ConcurrentCallersSingleRefresh(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderGoogle, delay: 50 * time.Millisecond}
	v := New(grants, newTestSealer(t), nil, provider)
	userID := uuid.New()

	storeGrant(t, v, userID, model.ProviderGoogle, time.Now().Add(time.Minute))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i], "all concurrent callers share the single flight's result")
	}
	assert.Equal(t, 1, provider.callCount(), "exactly one refresh call must reach the provider")
}

func TestGetValidToken_MicrosoftRotatedRefreshTokenStored(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderMicrosoft, rotated: "rotated-refresh"}
	sealer := newTestSealer(t)
	v := New(grants, sealer, nil, provider)
	userID := uuid.New()

	storeGrant(t, v, userID, model.ProviderMicrosoft, time.Now().Add(time.Minute))

	_, err := v.GetValidToken(context.Background(), userID, model.ProviderMicrosoft)
	require.NoError(t, err)

	g, err := grants.Get(context.Background(), userID, model.ProviderMicrosoft)
	require.NoError(t, err)
	refresh, err := sealer.Open(g.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", refresh, "rotated refresh token must replace the stored one")
}

func TestGetValidToken_NotionTokensNeverRefresh(t *testing.T) {
	grants := newFakeGrantRepo()
	v := New(grants, newTestSealer(t), nil, NewNotion())
	userID := uuid.New()

	// Zero expiry: Notion access tokens do not expire.
	storeGrant(t, v, userID, model.ProviderNotion, time.Time{})

	token, err := v.GetValidToken(context.Background(), userID, model.ProviderNotion)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
}

func TestRevoke_RevokedGrantNeedsReauth(t *testing.T) {
	grants := newFakeGrantRepo()
	provider := &fakeProvider{name: model.ProviderGoogle}
	v := New(grants, newTestSealer(t), nil, provider)
	userID := uuid.New()

	storeGrant(t, v, userID, model.ProviderGoogle, time.Now().Add(2*time.Hour))
	require.NoError(t, v.Revoke(context.Background(), userID, model.ProviderGoogle))

	_, err := v.GetValidToken(context.Background(), userID, model.ProviderGoogle)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 0, provider.callCount())
}

func TestProviderAdapter_RejectedRefreshIsPermanent(t *testing.T) {
	err := fmt.Errorf("refresh google grant: %w", errors.New("wrapped"))
	assert.False(t, errors.Is(err, ErrRefreshRejected))

	_, err = NewNotion().Refresh(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrRefreshRejected)
}
