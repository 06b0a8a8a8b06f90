package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/textrelay/server/internal/model"
)

// ErrRefreshRejected means the provider refused the refresh token outright
// (revoked or already rotated). The grant is unusable until the user
// reconnects; retrying would not help.
var ErrRefreshRejected = errors.New("refresh token rejected by provider")

// TokenSet is the result of a token refresh. RefreshToken is empty when the
// provider does not rotate refresh tokens (Google keeps the original;
// Microsoft returns a replacement that must overwrite the stored one).
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Provider refreshes credentials for one external OAuth provider. The vault's
// expiry and single-flight logic is provider-agnostic; only the refresh wire
// call differs per provider.
type Provider interface {
	Name() model.Provider
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// transportErr wraps network/5xx failures so the call registry can retry them.
type transportErr struct {
	err error
}

func (e *transportErr) Error() string   { return e.err.Error() }
func (e *transportErr) Unwrap() error   { return e.err }
func (e *transportErr) Transient() bool { return true }

// tokenEndpoint implements the common OAuth 2.0 refresh_token grant over a
// form-encoded token endpoint. Google, Microsoft, and YouTube all speak this
// shape; they differ only in endpoint URL and refresh-token rotation.
type tokenEndpoint struct {
	name         model.Provider
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
}

func (p *tokenEndpoint) Name() model.Provider { return p.name }

func (p *tokenEndpoint) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return TokenSet{}, &transportErr{err: fmt.Errorf("refresh request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return TokenSet{}, &transportErr{err: fmt.Errorf("provider %s returned %d", p.name, resp.StatusCode)}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenSet{}, fmt.Errorf("decode refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || body.Error != "" {
		// invalid_grant is the providers' signal for a revoked or
		// already-used refresh token.
		return TokenSet{}, fmt.Errorf("%w: %s (%s)", ErrRefreshRejected, body.Error, p.name)
	}

	ts := TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
	}
	if body.ExpiresIn > 0 {
		ts.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return ts, nil
}

// NewGoogle creates the Google provider adapter
func NewGoogle(clientID, clientSecret string, client *http.Client) Provider {
	return &tokenEndpoint{
		name:         model.ProviderGoogle,
		url:          "https://oauth2.googleapis.com/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       orDefault(client),
	}
}

// NewYouTube creates the YouTube provider adapter. YouTube credentials are
// Google credentials with YouTube scopes; the refresh call is identical.
func NewYouTube(clientID, clientSecret string, client *http.Client) Provider {
	return &tokenEndpoint{
		name:         model.ProviderYouTube,
		url:          "https://oauth2.googleapis.com/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       orDefault(client),
	}
}

// NewMicrosoft creates the Microsoft provider adapter. Microsoft rotates the
// refresh token on every use, so the returned replacement must be stored.
func NewMicrosoft(clientID, clientSecret string, client *http.Client) Provider {
	return &tokenEndpoint{
		name:         model.ProviderMicrosoft,
		url:          "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       orDefault(client),
	}
}

// notionProvider covers Notion's model: access tokens do not expire and
// there is no refresh grant. A Notion grant that somehow reaches refresh is
// unusable and needs a fresh consent.
type notionProvider struct{}

func (notionProvider) Name() model.Provider { return model.ProviderNotion }

func (notionProvider) Refresh(context.Context, string) (TokenSet, error) {
	return TokenSet{}, fmt.Errorf("%w: notion issues non-expiring tokens without refresh", ErrRefreshRejected)
}

// NewNotion creates the Notion provider adapter
func NewNotion() Provider { return notionProvider{} }

func orDefault(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
