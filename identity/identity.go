// Package identity validates inbound bearer tokens against the application's
// identity provider. Every publish action is gated on this check, including
// the initial code exchange.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for a missing, malformed, or rejected caller token.
var ErrUnauthorized = errors.New("unauthorized")

// User is the authenticated principal as reported by the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client talks to the identity provider's "current user" endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// BearerFromHeader extracts the token from an Authorization header value.
// An absent or malformed header fails with ErrUnauthorized before any
// provider call is attempted.
func BearerFromHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing Authorization header: %w", ErrUnauthorized)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		return "", fmt.Errorf("malformed Authorization header: %w", ErrUnauthorized)
	}
	return token, nil
}

// CurrentUser resolves the caller behind a bearer token, or fails with ErrUnauthorized.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("identity check failed: %s: %s: %w", resp.Status, strings.TrimSpace(string(b)), ErrUnauthorized)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("identity response decode: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("identity response missing user id: %w", ErrUnauthorized)
	}
	return &u, nil
}
