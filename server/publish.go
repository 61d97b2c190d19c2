package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dbpkg "github.com/tubedeck/backend/db"
	"github.com/tubedeck/backend/googleauth"
	"github.com/tubedeck/backend/identity"
	"github.com/tubedeck/backend/telemetry"
	"github.com/tubedeck/backend/youtubeapi"
)

// maxMultipartMemory bounds the in-memory portion of a parsed upload; larger
// media spills to temp files.
const maxMultipartMemory = 64 << 20

// envelope is the single response contract for every publish action. The
// transport status is always 200; failures are signaled in the body.
type envelope struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Statistics any    `json:"statistics,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Error      string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
}

func failure(err error) envelope {
	return envelope{Success: false, Error: err.Error()}
}

// publishAction is the decoded request, one variant per action. Dispatch is
// an exhaustive type switch so an unhandled variant cannot slip through.
type publishAction interface {
	actionName() string
}

type exchangeCodeAction struct {
	Code        string
	RedirectURI string
}

type channelStatsAction struct {
	ChannelID string
}

type deleteVideoAction struct {
	VideoID   string
	ChannelID string
}

type uploadAction struct {
	ChannelID     string
	RecordID      string
	RecordType    string
	Title         string
	Description   string
	PrivacyStatus string
	ScheduledAt   string
	Tags          []string
	File          multipart.File
	Size          int64
	ContentType   string
}

func (exchangeCodeAction) actionName() string { return "exchange-code" }
func (channelStatsAction) actionName() string { return "get-channel-stats" }
func (deleteVideoAction) actionName() string  { return "delete-video" }
func (*uploadAction) actionName() string      { return "upload" }

// decodePublishRequest parses a JSON or multipart body into its action
// variant. A multipart body without an explicit action field is an upload.
func decodePublishRequest(r *http.Request) (publishAction, error) {
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var body struct {
			Action      string `json:"action"`
			Code        string `json:"code"`
			RedirectURI string `json:"redirectUri"`
			ChannelID   string `json:"channelId"`
			VideoID     string `json:"videoId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		switch body.Action {
		case "exchange-code":
			if body.Code == "" {
				return nil, errors.New("authorization code missing in request")
			}
			return exchangeCodeAction{Code: body.Code, RedirectURI: body.RedirectURI}, nil
		case "get-channel-stats":
			if body.ChannelID == "" {
				return nil, errors.New("missing channelId")
			}
			return channelStatsAction{ChannelID: body.ChannelID}, nil
		case "delete-video":
			if body.VideoID == "" || body.ChannelID == "" {
				return nil, errors.New("missing videoId or channelId")
			}
			return deleteVideoAction{VideoID: body.VideoID, ChannelID: body.ChannelID}, nil
		case "", "upload":
			return nil, errors.New("form data required for upload")
		default:
			return nil, fmt.Errorf("unknown action %q", body.Action)
		}
	case strings.Contains(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, fmt.Errorf("invalid form data body: %w", err)
		}
		if action := r.FormValue("action"); action != "" && action != "upload" {
			return nil, fmt.Errorf("unknown action %q", action)
		}
		file, header, err := r.FormFile("video")
		if err != nil {
			return nil, errors.New("missing upload parameters")
		}
		a := &uploadAction{
			ChannelID:     r.FormValue("channelId"),
			RecordID:      r.FormValue("recordId"),
			RecordType:    r.FormValue("type"),
			Title:         r.FormValue("title"),
			Description:   r.FormValue("description"),
			PrivacyStatus: r.FormValue("privacyStatus"),
			ScheduledAt:   r.FormValue("scheduledAt"),
			File:          file,
			Size:          header.Size,
			ContentType:   header.Header.Get("Content-Type"),
		}
		if tags := r.FormValue("tags"); tags != "" {
			for _, t := range strings.Split(tags, ",") {
				if t = strings.TrimSpace(t); t != "" {
					a.Tags = append(a.Tags, t)
				}
			}
		}
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		if a.Title == "" || a.ChannelID == "" {
			return nil, errors.New("missing upload parameters")
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// HandlePublish is the single privileged entry point for all YouTube actions.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	if r.Method != http.MethodPost {
		writeEnvelope(w, log, failure(fmt.Errorf("method %s not supported", r.Method)))
		return
	}

	// Caller must hold an application session before any action, including
	// the initial code exchange.
	token, err := identity.BearerFromHeader(r.Header.Get("Authorization"))
	if err == nil {
		_, err = h.auth.CurrentUser(ctx, token)
	}
	if err != nil {
		log.Warn("caller authentication failed", slog.Any("err", err))
		writeEnvelope(w, log, failure(errors.New("unauthorized")))
		return
	}

	if h.cfgErr != nil {
		writeEnvelope(w, log, failure(errors.New("server configuration error: google credentials missing")))
		return
	}

	action, err := decodePublishRequest(r)
	if err != nil {
		writeEnvelope(w, log, failure(err))
		return
	}

	var env envelope
	telemetry.TimeFunc(telemetry.ActionDuration, func() {
		switch a := action.(type) {
		case exchangeCodeAction:
			env = h.handleExchangeCode(ctx, a)
		case channelStatsAction:
			env = h.handleChannelStats(ctx, a)
		case deleteVideoAction:
			env = h.handleDeleteVideo(ctx, a)
		case *uploadAction:
			env = h.handleUpload(ctx, a)
		default:
			env = failure(fmt.Errorf("unhandled action %q", action.actionName()))
		}
	})
	telemetry.CountAction(action.actionName(), env.Success)
	if !env.Success {
		log.Warn("publish action failed", slog.String("action", action.actionName()), slog.String("error", env.Error))
	}
	writeEnvelope(w, log, env)
}

// handleExchangeCode trades an authorization code for tokens, discovers the
// channel behind them, and creates the channel record.
func (h *Handlers) handleExchangeCode(ctx context.Context, a exchangeCodeAction) envelope {
	tok, err := h.broker.Exchange(ctx, a.Code, a.RedirectURI)
	if err != nil {
		return failure(err)
	}

	ch := &dbpkg.Channel{
		Status: "Connected",
		Credential: dbpkg.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		},
	}

	var warning string
	details := map[string]any{}
	info, derr := h.provider.Discover(ctx, tok.AccessToken)
	if derr != nil {
		// The channel can still be linked; the remote id is lazily discovered
		// on the first stats fetch.
		warning = appendWarning(warning, fmt.Sprintf("channel discovery failed: %v", derr))
	} else {
		ch.RemoteChannelID = info.ID
		ch.DisplayName = info.Title
		ch.Handle = info.Handle
		ch.AvatarURL = info.AvatarURL
		details = map[string]any{
			"id":        info.ID,
			"title":     info.Title,
			"handle":    info.Handle,
			"avatarUrl": info.AvatarURL,
		}
	}

	if err := h.store.Create(ctx, ch); err != nil {
		warning = appendWarning(warning, persistenceWarning(err))
	} else if derr == nil && info.Statistics != nil {
		if err := h.store.SaveChannelMeta(ctx, ch.ID, dbpkg.ChannelMeta{Statistics: statsToDB(info.Statistics)}); err != nil {
			warning = appendWarning(warning, persistenceWarning(err))
		}
	}

	expiresIn := 0
	if !tok.Expiry.IsZero() {
		expiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	return envelope{
		Success: true,
		Warning: warning,
		Data: map[string]any{
			"access_token":   tok.AccessToken,
			"refresh_token":  tok.RefreshToken,
			"expires_in":     expiresIn,
			"channelId":      ch.ID,
			"channelDetails": details,
		},
	}
}

// handleChannelStats returns fresh counters for a channel, discovering and
// backfilling the remote channel id on first use.
func (h *Handlers) handleChannelStats(ctx context.Context, a channelStatsAction) envelope {
	ch, access, warning, err := h.loadAndAuthorize(ctx, a.ChannelID)
	if err != nil {
		return failure(err)
	}

	if ch.RemoteChannelID == "" {
		info, err := h.provider.Discover(ctx, access)
		if err != nil {
			return failure(err)
		}
		meta := dbpkg.ChannelMeta{
			RemoteChannelID: info.ID,
			AvatarURL:       info.AvatarURL,
			Handle:          info.Handle,
			Statistics:      statsToDB(info.Statistics),
		}
		if err := h.store.SaveChannelMeta(ctx, ch.ID, meta); err != nil {
			warning = appendWarning(warning, persistenceWarning(err))
		}
		return envelope{Success: true, Statistics: info.Statistics, Warning: warning}
	}

	st, err := h.provider.ChannelStatistics(ctx, access, ch.RemoteChannelID)
	if err != nil {
		return failure(err)
	}
	if err := h.store.SaveChannelMeta(ctx, ch.ID, dbpkg.ChannelMeta{Statistics: statsToDB(st)}); err != nil {
		warning = appendWarning(warning, persistenceWarning(err))
	}
	return envelope{Success: true, Statistics: st, Warning: warning}
}

func (h *Handlers) handleDeleteVideo(ctx context.Context, a deleteVideoAction) envelope {
	_, access, warning, err := h.loadAndAuthorize(ctx, a.ChannelID)
	if err != nil {
		return failure(err)
	}
	if err := h.provider.DeleteVideo(ctx, access, a.VideoID); err != nil {
		return failure(err)
	}
	return envelope{Success: true, Warning: warning}
}

func (h *Handlers) handleUpload(ctx context.Context, a *uploadAction) envelope {
	defer a.File.Close()

	_, access, warning, err := h.loadAndAuthorize(ctx, a.ChannelID)
	if err != nil {
		return failure(err)
	}

	req := youtubeapi.UploadRequest{
		Title:         a.Title,
		Description:   a.Description,
		Tags:          a.Tags,
		PrivacyStatus: a.PrivacyStatus,
		PublishAt:     a.ScheduledAt,
		Media:         a.File,
		Size:          a.Size,
		ContentType:   a.ContentType,
	}
	if telemetry.UploadBytesGauge != nil {
		telemetry.UploadBytesGauge.Set(float64(a.Size))
	}

	var videoID string
	var raw json.RawMessage
	telemetry.TimeFunc(telemetry.UploadDuration, func() {
		videoID, raw, err = h.provider.Upload(ctx, access, req)
	})
	if err != nil {
		inc(telemetry.UploadsFailed)
		return failure(err)
	}
	inc(telemetry.UploadsSucceeded)

	if a.RecordID != "" {
		if err := h.store.MarkRecordPosted(ctx, a.RecordType, a.RecordID, videoID); err != nil {
			warning = appendWarning(warning, persistenceWarning(err))
		}
	}
	return envelope{Success: true, Data: raw, Warning: warning}
}

// loadAndAuthorize is the shared prefix of every action on an existing
// channel: load the record, obtain a currently valid access token, and
// persist the rotated credential. A failed rotation write is logged and
// reported as a warning, never rolled back.
func (h *Handlers) loadAndAuthorize(ctx context.Context, channelID string) (*dbpkg.Channel, string, string, error) {
	ch, err := h.store.Load(ctx, channelID)
	if err != nil {
		if errors.Is(err, dbpkg.ErrNotFound) {
			return nil, "", "", errors.New("channel not found")
		}
		return nil, "", "", err
	}

	access, rotated, err := h.broker.EnsureValidAccessToken(ctx, ch.Credential)
	if err != nil {
		if errors.Is(err, googleauth.ErrMissingCredential) {
			return nil, "", "", errors.New("could not obtain valid access token, re-authorize the channel")
		}
		return nil, "", "", err
	}

	var warning string
	if rotated != nil {
		ch.Credential = *rotated
		if err := h.store.SaveCredential(ctx, ch.ID, *rotated); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("credential rotation persist failed", slog.String("channel", ch.ID), slog.Any("err", err))
			warning = persistenceWarning(err)
		}
	}
	return ch, access, warning, nil
}

func statsToDB(st *youtubeapi.Statistics) *dbpkg.Statistics {
	if st == nil {
		return nil
	}
	return &dbpkg.Statistics{
		ViewCount:             st.ViewCount,
		SubscriberCount:       st.SubscriberCount,
		VideoCount:            st.VideoCount,
		HiddenSubscriberCount: st.HiddenSubscriberCount,
	}
}

// persistenceWarning phrases a failed local write after a successful provider
// call. The remote side effect happened and must not be reported as failure.
func persistenceWarning(err error) string {
	inc(telemetry.PersistenceWarnings)
	return fmt.Sprintf("local record write failed: %v", err)
}

func appendWarning(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func writeEnvelope(w http.ResponseWriter, log *slog.Logger, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
