// Package youtubeapi wraps the YouTube Data API for channel discovery,
// statistics, video deletion, and the resumable video upload protocol.
// Callers supply a ready-to-use access token; credential lifecycle lives in
// the googleauth package.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// ErrChannelNotFound indicates the credential does not correspond to any
// channel on the provider.
var ErrChannelNotFound = errors.New("no youtube channel found for these credentials")

// Statistics mirrors the provider's public channel counters.
type Statistics struct {
	ViewCount             uint64 `json:"viewCount"`
	SubscriberCount       uint64 `json:"subscriberCount"`
	VideoCount            uint64 `json:"videoCount"`
	HiddenSubscriberCount bool   `json:"hiddenSubscriberCount"`
}

// ChannelInfo is the result of a discovery call: identity plus display
// metadata plus a statistics snapshot, fetched in one round trip.
type ChannelInfo struct {
	ID         string
	Title      string
	Handle     string
	AvatarURL  string
	Statistics *Statistics
}

// Client issues YouTube Data API calls. Endpoint overrides exist for tests.
type Client struct {
	HTTPClient     *http.Client
	APIEndpoint    string // Data API base URL override
	UploadEndpoint string // resumable upload init URL override
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	// No client-level timeout: uploads legitimately run for minutes and the
	// request context carries cancellation.
	return http.DefaultClient
}

func (c *Client) service(ctx context.Context, accessToken string) (*yt.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})),
	}
	if c.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.APIEndpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

// ChannelStatistics fetches the counters for a known remote channel id.
func (c *Client) ChannelStatistics(ctx context.Context, accessToken, remoteChannelID string) (*Statistics, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	res, err := svc.Channels.List([]string{"statistics"}).Id(remoteChannelID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube channel statistics: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Statistics == nil {
		return nil, ErrChannelNotFound
	}
	return convertStatistics(res.Items[0].Statistics), nil
}

// Discover resolves the channel owned by the credential behind accessToken.
// Needed at most once per channel: the caller persists the returned id and
// the fused metadata/statistics snapshot.
func (c *Client) Discover(ctx context.Context, accessToken string) (*ChannelInfo, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	res, err := svc.Channels.List([]string{"snippet", "statistics"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube channel discovery: %w", err)
	}
	if len(res.Items) == 0 {
		return nil, ErrChannelNotFound
	}
	item := res.Items[0]
	info := &ChannelInfo{ID: item.Id}
	if item.Snippet != nil {
		info.Title = item.Snippet.Title
		info.Handle = item.Snippet.CustomUrl
		if item.Snippet.Thumbnails != nil && item.Snippet.Thumbnails.Default != nil {
			info.AvatarURL = item.Snippet.Thumbnails.Default.Url
		}
	}
	if item.Statistics != nil {
		info.Statistics = convertStatistics(item.Statistics)
	}
	return info, nil
}

// DeleteVideo removes a remote video. A provider 404 counts as success: the
// video is already gone and the delete is idempotent.
func (c *Client) DeleteVideo(ctx context.Context, accessToken, videoID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Videos.Delete(videoID).Context(ctx).Do(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("youtube delete video %s: %w", videoID, err)
	}
	return nil
}

func convertStatistics(st *yt.ChannelStatistics) *Statistics {
	return &Statistics{
		ViewCount:             st.ViewCount,
		SubscriberCount:       st.SubscriberCount,
		VideoCount:            st.VideoCount,
		HiddenSubscriberCount: st.HiddenSubscriberCount,
	}
}
