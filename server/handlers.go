// Package server exposes the HTTP API: the multiplexed YouTube publish
// endpoint plus health and metrics. It includes permissive CORS for browser
// callers and injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"

	"golang.org/x/oauth2"

	"github.com/tubedeck/backend/config"
	dbpkg "github.com/tubedeck/backend/db"
	"github.com/tubedeck/backend/googleauth"
	"github.com/tubedeck/backend/identity"
	"github.com/tubedeck/backend/youtubeapi"
)

// ChannelStore is the persistence surface the publish handlers need.
// Implemented by dbpkg.ChannelStore.
type ChannelStore interface {
	Load(ctx context.Context, id string) (*dbpkg.Channel, error)
	Create(ctx context.Context, ch *dbpkg.Channel) error
	SaveCredential(ctx context.Context, id string, cred dbpkg.Credential) error
	SaveChannelMeta(ctx context.Context, id string, meta dbpkg.ChannelMeta) error
	MarkRecordPosted(ctx context.Context, recordType, recordID, ytVideoID string) error
}

// Authenticator validates inbound bearer tokens. Implemented by identity.Client.
type Authenticator interface {
	CurrentUser(ctx context.Context, token string) (*identity.User, error)
}

// TokenBroker manages the Google credential lifecycle. Implemented by googleauth.Service.
type TokenBroker interface {
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
	EnsureValidAccessToken(ctx context.Context, cred dbpkg.Credential) (string, *dbpkg.Credential, error)
}

// VideoProvider is the YouTube Data API surface. Implemented by youtubeapi.Client.
type VideoProvider interface {
	Upload(ctx context.Context, accessToken string, req youtubeapi.UploadRequest) (string, json.RawMessage, error)
	ChannelStatistics(ctx context.Context, accessToken, remoteChannelID string) (*youtubeapi.Statistics, error)
	Discover(ctx context.Context, accessToken string) (*youtubeapi.ChannelInfo, error)
	DeleteVideo(ctx context.Context, accessToken, videoID string) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	store    ChannelStore
	auth     Authenticator
	broker   TokenBroker
	provider VideoProvider
	cfgErr   error // non-nil when Google client credentials are not configured
}

// NewHandlers wires the production dependencies from config.
func NewHandlers(database *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{
		db:       database,
		store:    &dbpkg.ChannelStore{DB: database},
		auth:     &identity.Client{BaseURL: cfg.IdentityBaseURL, APIKey: cfg.IdentityAPIKey},
		broker:   googleauth.New(cfg),
		provider: &youtubeapi.Client{},
		cfgErr:   cfg.Validate(),
	}
}
