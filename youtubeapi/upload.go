package youtubeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const defaultUploadEndpoint = "https://www.googleapis.com/upload/youtube/v3/videos"

// uploadCategoryID fixes the video category ("People & Blogs") by policy.
const uploadCategoryID = "22"

// ErrUploadSessionMissing indicates the init call succeeded but the provider
// returned no session URI, so the transfer cannot start.
var ErrUploadSessionMissing = errors.New("upload session URI missing from init response")

// UploadRequest describes one video upload. It lives only for the duration of
// the call; the media stream is consumed exactly once.
type UploadRequest struct {
	Title         string
	Description   string
	Tags          []string
	PrivacyStatus string // public | private | unlisted; defaults to private
	PublishAt     string // RFC3339; the provider itself honors the publish time
	Media         io.Reader
	Size          int64
	ContentType   string
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CategoryID  string   `json:"categoryId"`
	Tags        []string `json:"tags,omitempty"`
}

type videoStatus struct {
	PrivacyStatus           string `json:"privacyStatus"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
	PublishAt               string `json:"publishAt,omitempty"`
}

type videoResource struct {
	Snippet videoSnippet `json:"snippet"`
	Status  videoStatus  `json:"status"`
}

// Upload runs the two-phase resumable upload protocol: initiate a session,
// then PUT the media bytes to the returned session URI in one shot. There is
// no resume on a broken transfer; a mid-transfer failure fails the upload.
// Returns the remote video id and the provider's raw response body.
func (c *Client) Upload(ctx context.Context, accessToken string, req UploadRequest) (string, json.RawMessage, error) {
	sessionURI, err := c.initiateUpload(ctx, accessToken, req)
	if err != nil {
		return "", nil, err
	}
	return c.transfer(ctx, sessionURI, req)
}

// initiateUpload negotiates a per-transfer session URI by posting the video
// metadata together with the declared size and content type of the media.
func (c *Client) initiateUpload(ctx context.Context, accessToken string, req UploadRequest) (string, error) {
	privacy := req.PrivacyStatus
	if privacy == "" {
		privacy = "private"
	}
	resource := videoResource{
		Snippet: videoSnippet{
			Title:       req.Title,
			Description: req.Description,
			CategoryID:  uploadCategoryID,
			Tags:        req.Tags,
		},
		Status: videoStatus{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: false,
			PublishAt:               req.PublishAt,
		},
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("marshal video metadata: %w", err)
	}

	endpoint := c.UploadEndpoint
	if endpoint == "" {
		endpoint = defaultUploadEndpoint
	}
	initReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"?uploadType=resumable&part=snippet,status", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	initReq.Header.Set("Authorization", "Bearer "+accessToken)
	initReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	initReq.Header.Set("X-Upload-Content-Length", strconv.FormatInt(req.Size, 10))
	initReq.Header.Set("X-Upload-Content-Type", req.ContentType)

	resp, err := c.http().Do(initReq)
	if err != nil {
		return "", fmt.Errorf("upload init request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload init failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		// Success status without a session URI still means phase two cannot run.
		return "", ErrUploadSessionMissing
	}
	return sessionURI, nil
}

// transfer streams the full media body to the session URI in a single PUT.
func (c *Client) transfer(ctx context.Context, sessionURI string, req UploadRequest) (string, json.RawMessage, error) {
	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, req.Media)
	if err != nil {
		return "", nil, err
	}
	putReq.ContentLength = req.Size
	putReq.Header.Set("Content-Length", strconv.FormatInt(req.Size, 10))

	resp, err := c.http().Do(putReq)
	if err != nil {
		return "", nil, fmt.Errorf("upload transfer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("upload transfer read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("upload transfer failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", nil, fmt.Errorf("upload transfer decode response: %w", err)
	}
	if result.ID == "" {
		return "", nil, fmt.Errorf("upload transfer response missing video id: %s", strings.TrimSpace(string(body)))
	}
	return result.ID, json.RawMessage(body), nil
}
