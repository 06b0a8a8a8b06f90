package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/textrelay/server/internal/breaker"
	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

// ErrNeedsReauth means the grant is unusable and the user must reconnect the
// provider. It is a recoverable, user-facing condition, not a system fault.
var ErrNeedsReauth = errors.New("provider connection requires re-authorization")

// refreshMargin is subtracted from the provider's stated lifetime: a token
// within this margin of expiry is refreshed before use.
const refreshMargin = 5 * time.Minute

// Vault stores per-user, per-provider OAuth grants and hands out valid
// access tokens. Refreshes for the same (user, provider) are single-flight:
// most providers invalidate a refresh token once used, so a second
// concurrent refresh would corrupt the grant.
type Vault struct {
	grants    repo.GrantRepo
	sealer    *Sealer
	calls     *breaker.Registry
	providers map[model.Provider]Provider
	margin    time.Duration
	group     singleflight.Group
}

// New creates a vault over the grant repository
func New(grants repo.GrantRepo, sealer *Sealer, calls *breaker.Registry, providers ...Provider) *Vault {
	m := make(map[model.Provider]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Vault{
		grants:    grants,
		sealer:    sealer,
		calls:     calls,
		providers: m,
		margin:    refreshMargin,
	}
}

// GrantInput carries plaintext tokens from a completed consent callback.
type GrantInput struct {
	UserID       uuid.UUID
	Provider     model.Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// StoreGrant seals and persists a grant from a consent callback.
func (v *Vault) StoreGrant(ctx context.Context, in GrantInput) error {
	access, err := v.sealer.Seal(in.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := v.sealer.Seal(in.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	// Stored expiry is the provider's stated lifetime minus the safety
	// margin, so the usability check is a plain comparison against now.
	expiresAt := in.ExpiresAt
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.Add(-v.margin)
	}
	return v.grants.Upsert(ctx, model.OAuthGrant{
		UserID:       in.UserID,
		Provider:     in.Provider,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Scopes:       in.Scopes,
		Status:       model.GrantActive,
	})
}

// Revoke marks the grant revoked on explicit user action or a provider-side
// invalidation signal.
func (v *Vault) Revoke(ctx context.Context, userID uuid.UUID, provider model.Provider) error {
	err := v.grants.SetStatus(ctx, userID, provider, model.GrantRevoked)
	if errors.Is(err, repo.ErrGrantNotFound) {
		return ErrNeedsReauth
	}
	return err
}

// ListStatuses returns provider/status pairs for a user, without tokens.
func (v *Vault) ListStatuses(ctx context.Context, userID uuid.UUID) (map[model.Provider]model.GrantStatus, error) {
	grants, err := v.grants.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Provider]model.GrantStatus, len(grants))
	for _, g := range grants {
		out[g.Provider] = g.Status
	}
	return out, nil
}

// GetValidToken returns a usable access token for (user, provider),
// refreshing synchronously when the stored token is within the safety margin
// of expiry. A failed refresh transitions the grant to expired and returns
// ErrNeedsReauth rather than an internal error.
func (v *Vault) GetValidToken(ctx context.Context, userID uuid.UUID, provider model.Provider) (string, error) {
	g, err := v.grants.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repo.ErrGrantNotFound) {
			return "", ErrNeedsReauth
		}
		return "", fmt.Errorf("load grant: %w", err)
	}

	switch g.Status {
	case model.GrantRevoked, model.GrantExpired:
		return "", ErrNeedsReauth
	}

	if usable(g) {
		return v.sealer.Open(g.AccessToken)
	}

	key := userID.String() + ":" + string(provider)
	token, err, _ := v.group.Do(key, func() (any, error) {
		return v.refresh(ctx, userID, provider)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh runs under the single-flight group: concurrent callers share one
// provider round trip and one token rotation.
func (v *Vault) refresh(ctx context.Context, userID uuid.UUID, provider model.Provider) (string, error) {
	// Re-read inside the flight: a caller that queued behind a completed
	// refresh should use its result, not start another.
	g, err := v.grants.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repo.ErrGrantNotFound) {
			return "", ErrNeedsReauth
		}
		return "", fmt.Errorf("load grant: %w", err)
	}
	switch g.Status {
	case model.GrantRevoked, model.GrantExpired:
		return "", ErrNeedsReauth
	}
	if usable(g) {
		return v.sealer.Open(g.AccessToken)
	}

	p, ok := v.providers[provider]
	if !ok {
		return "", fmt.Errorf("no adapter registered for provider %q", provider)
	}

	refreshToken, err := v.sealer.Open(g.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}

	if err := v.grants.SetStatus(ctx, userID, provider, model.GrantExpiring); err != nil {
		return "", fmt.Errorf("mark grant expiring: %w", err)
	}

	var ts TokenSet
	callErr := v.doCall(ctx, "oauth:"+string(provider), func(ctx context.Context) error {
		var err error
		ts, err = p.Refresh(ctx, refreshToken)
		return err
	})
	if callErr != nil {
		if errors.Is(callErr, ErrRefreshRejected) {
			if err := v.grants.SetStatus(ctx, userID, provider, model.GrantExpired); err != nil {
				return "", fmt.Errorf("mark grant expired: %w", err)
			}
			return "", ErrNeedsReauth
		}
		// Transient: leave the grant in expiring so the next caller retries.
		return "", fmt.Errorf("refresh %s grant: %w", provider, callErr)
	}

	sealedAccess, err := v.sealer.Seal(ts.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh := g.RefreshToken
	if ts.RefreshToken != "" {
		sealedRefresh, err = v.sealer.Seal(ts.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("seal refresh token: %w", err)
		}
	}
	expiresAt := ts.ExpiresAt
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.Add(-v.margin)
	}
	if err := v.grants.UpdateTokens(ctx, userID, provider, sealedAccess, sealedRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}
	return ts.AccessToken, nil
}

// doCall applies the provider rate limit and breaker. Refresh rotates a
// token on the provider side, so it is never blindly retried.
func (v *Vault) doCall(ctx context.Context, key string, fn func(context.Context) error) error {
	if v.calls == nil {
		return fn(ctx)
	}
	return v.calls.Do(ctx, key, false, fn)
}

// usable reports whether the stored access token can be handed out as-is.
// The stored expiry already carries the safety margin; a zero expiry means a
// non-expiring token (Notion).
func usable(g model.OAuthGrant) bool {
	if g.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(g.ExpiresAt)
}
