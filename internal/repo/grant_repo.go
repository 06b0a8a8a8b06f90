package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/textrelay/server/internal/model"
)

// ErrGrantNotFound is returned when no grant exists for (user, provider).
var ErrGrantNotFound = errors.New("grant not found")

// GrantRepo defines the interface for OAuth grant repository operations.
// Token columns hold ciphertext produced by the vault; this layer never
// sees plaintext tokens.
type GrantRepo interface {
	Get(ctx context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthGrant, error)
	Upsert(ctx context.Context, grant model.OAuthGrant) error
	UpdateTokens(ctx context.Context, userID uuid.UUID, provider model.Provider, access, refresh []byte, expiresAt time.Time) error
	SetStatus(ctx context.Context, userID uuid.UUID, provider model.Provider, status model.GrantStatus) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.OAuthGrant, error)
}

type grantRepo struct {
	db *sql.DB
}

// NewGrantRepo creates a new GrantRepo instance
func NewGrantRepo(db *sql.DB) GrantRepo {
	return &grantRepo{db: db}
}

// Get returns the grant for (user, provider).
func (r *grantRepo) Get(ctx context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthGrant, error) {
	query := `
		SELECT user_id, provider, access_token, refresh_token, expires_at, scopes, status, created_at, updated_at
		FROM oauth_grants
		WHERE user_id = $1 AND provider = $2
	`
	g, err := scanGrant(r.db.QueryRowContext(ctx, query, userID, provider))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OAuthGrant{}, ErrGrantNotFound
		}
		return model.OAuthGrant{}, fmt.Errorf("query grant: %w", err)
	}
	return g, nil
}

// Upsert stores a grant from a completed consent callback, replacing any
// previous grant for the same (user, provider).
func (r *grantRepo) Upsert(ctx context.Context, grant model.OAuthGrant) error {
	var expiresAt *time.Time
	if !grant.ExpiresAt.IsZero() {
		expiresAt = &grant.ExpiresAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_grants (user_id, provider, access_token, refresh_token, expires_at, scopes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    scopes = EXCLUDED.scopes,
		    status = EXCLUDED.status,
		    updated_at = now()
	`, grant.UserID, grant.Provider, grant.AccessToken, grant.RefreshToken, expiresAt, pq.Array(grant.Scopes), grant.Status)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

// UpdateTokens replaces the sealed tokens after a successful refresh.
func (r *grantRepo) UpdateTokens(ctx context.Context, userID uuid.UUID, provider model.Provider, access, refresh []byte, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth_grants
		SET access_token = $3, refresh_token = $4, expires_at = $5, status = 'active', updated_at = now()
		WHERE user_id = $1 AND provider = $2
	`, userID, provider, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// SetStatus transitions the grant lifecycle state.
func (r *grantRepo) SetStatus(ctx context.Context, userID uuid.UUID, provider model.Provider, status model.GrantStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth_grants SET status = $3, updated_at = now() WHERE user_id = $1 AND provider = $2
	`, userID, provider, status)
	if err != nil {
		return fmt.Errorf("set grant status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// ListByUser returns all grants for a user, any status.
func (r *grantRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.OAuthGrant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, scopes, status, created_at, updated_at
		FROM oauth_grants
		WHERE user_id = $1
		ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.OAuthGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (model.OAuthGrant, error) {
	var g model.OAuthGrant
	var userIDStr string
	var expiresAt sql.NullTime
	err := row.Scan(
		&userIDStr,
		&g.Provider,
		&g.AccessToken,
		&g.RefreshToken,
		&expiresAt,
		pq.Array(&g.Scopes),
		&g.Status,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return model.OAuthGrant{}, err
	}
	if expiresAt.Valid {
		g.ExpiresAt = expiresAt.Time
	}
	g.UserID, err = uuid.Parse(userIDStr)
	if err != nil {
		return model.OAuthGrant{}, fmt.Errorf("parse user ID: %w", err)
	}
	return g, nil
}
