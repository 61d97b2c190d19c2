// Package googleauth wraps the Google OAuth2 client config for the credential
// lifecycle of connected channels: exchanging authorization codes and keeping
// a usable access token for every provider call. Rotated credentials are
// handed back to the caller for persistence.
package googleauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tubedeck/backend/config"
	"github.com/tubedeck/backend/db"
	"github.com/tubedeck/backend/telemetry"
)

// ErrMissingCredential indicates a channel holds neither a usable access token
// nor a refresh token. The caller must re-authorize the channel.
var ErrMissingCredential = errors.New("channel has no usable credential")

type Service struct {
	oauth *oauth2.Config
}

func New(cfg *config.Config) *Service {
	return &Service{oauth: &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       cfg.ScopeList(),
	}}
}

// BuildAuthorizeURL builds the user consent URL. Offline access plus forced
// approval so Google issues a refresh token on every grant.
func (s *Service) BuildAuthorizeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for a token pair. redirectURI, when
// non-empty, overrides the configured redirect for this exchange only.
func (s *Service) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	oc := *s.oauth
	if redirectURI != "" {
		oc.RedirectURL = redirectURI
	}
	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google code exchange: %w", err)
	}
	return tok, nil
}

// EnsureValidAccessToken returns an access token good for an immediate
// provider call. A present refresh token is always exercised: locally cached
// expiry is not trusted (clock skew, revocation), so every privileged call
// pays one refresh round trip. On refresh failure the stored access token is
// used as-is when available. The second return value carries the rotated
// credential the caller must persist, or nil when nothing changed.
func (s *Service) EnsureValidAccessToken(ctx context.Context, cred db.Credential) (string, *db.Credential, error) {
	if cred.RefreshToken == "" {
		if cred.AccessToken == "" {
			return "", nil, ErrMissingCredential
		}
		// Renewal is impossible without a refresh token; the stored token
		// will eventually expire and the channel must be re-linked.
		return cred.AccessToken, nil, nil
	}

	seed := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour), // already expired, forces a refresh
	}
	newTok, err := s.oauth.TokenSource(ctx, seed).Token()
	if err != nil {
		telemetry.CountRefresh(false)
		if cred.AccessToken == "" {
			return "", nil, fmt.Errorf("refresh failed with no stored access token: %v: %w", err, ErrMissingCredential)
		}
		slog.Warn("token refresh failed, falling back to stored access token", slog.Any("err", err))
		return cred.AccessToken, nil, nil
	}
	telemetry.CountRefresh(true)

	rotated := cred
	rotated.AccessToken = newTok.AccessToken
	rotated.Expiry = newTok.Expiry
	if newTok.RefreshToken != "" {
		rotated.RefreshToken = newTok.RefreshToken
	}
	return newTok.AccessToken, &rotated, nil
}
