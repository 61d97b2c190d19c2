package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a channel row does not exist.
var ErrNotFound = errors.New("channel not found")

// Credential is the OAuth token pair authorizing calls on behalf of one channel.
// Tokens are stored as opaque text; only the refresh engine rotates them.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when the provider did not report one
}

// Statistics is a cached snapshot of the remote channel's public counters.
type Statistics struct {
	ViewCount             uint64 `json:"viewCount"`
	SubscriberCount       uint64 `json:"subscriberCount"`
	VideoCount            uint64 `json:"videoCount"`
	HiddenSubscriberCount bool   `json:"hiddenSubscriberCount"`
}

// Channel is a creator's connected destination account.
type Channel struct {
	ID              string
	DisplayName     string
	Handle          string
	AvatarURL       string
	RemoteChannelID string // YouTube channel id; may be empty until first discovery
	Status          string
	Credential      Credential
	Statistics      *Statistics
}

// ChannelMeta carries the backfillable channel fields. Empty strings leave the
// stored value untouched; a nil Statistics skips the counter columns.
type ChannelMeta struct {
	RemoteChannelID string
	AvatarURL       string
	Handle          string
	Statistics      *Statistics
}

// ChannelStore persists channels and their publish records. All operations are
// single-row, keyed by channel id.
type ChannelStore struct {
	DB *sql.DB
}

// Load fetches one channel by id.
func (s *ChannelStore) Load(ctx context.Context, id string) (*Channel, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, COALESCE(display_name,''), COALESCE(handle,''), COALESCE(avatar_url,''),
		COALESCE(youtube_channel_id,''), COALESCE(status,''), COALESCE(access_token,''), COALESCE(refresh_token,''),
		token_expiry, view_count, subscriber_count, video_count, COALESCE(hidden_subscriber_count,FALSE)
		FROM channels WHERE id=$1`, id)

	var ch Channel
	var expiry sql.NullTime
	var views, subs, vids sql.NullInt64
	var hidden bool
	err := row.Scan(&ch.ID, &ch.DisplayName, &ch.Handle, &ch.AvatarURL,
		&ch.RemoteChannelID, &ch.Status, &ch.Credential.AccessToken, &ch.Credential.RefreshToken,
		&expiry, &views, &subs, &vids, &hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", id, err)
	}
	if expiry.Valid {
		ch.Credential.Expiry = expiry.Time
	}
	if views.Valid || subs.Valid || vids.Valid {
		ch.Statistics = &Statistics{
			ViewCount:             uint64(views.Int64),
			SubscriberCount:       uint64(subs.Int64),
			VideoCount:            uint64(vids.Int64),
			HiddenSubscriberCount: hidden,
		}
	}
	return &ch, nil
}

// Create inserts a new channel row. A missing id is generated.
func (s *ChannelStore) Create(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.Status == "" {
		ch.Status = "Connected"
	}
	var expiry any
	if !ch.Credential.Expiry.IsZero() {
		expiry = ch.Credential.Expiry
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO channels
		(id, display_name, handle, avatar_url, youtube_channel_id, status, access_token, refresh_token, token_expiry, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
		ch.ID, ch.DisplayName, ch.Handle, ch.AvatarURL, ch.RemoteChannelID, ch.Status,
		ch.Credential.AccessToken, ch.Credential.RefreshToken, expiry)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// SaveCredential persists a rotated credential for a channel. Concurrent
// rotations are last-write-wins; both writes hold a valid token.
func (s *ChannelStore) SaveCredential(ctx context.Context, id string, cred Credential) error {
	var expiry any
	if !cred.Expiry.IsZero() {
		expiry = cred.Expiry
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE channels SET access_token=$1, refresh_token=$2, token_expiry=$3, updated_at=NOW() WHERE id=$4`,
		cred.AccessToken, cred.RefreshToken, expiry, id)
	if err != nil {
		return fmt.Errorf("save credential for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveChannelMeta backfills discovered channel metadata and/or statistics.
func (s *ChannelStore) SaveChannelMeta(ctx context.Context, id string, meta ChannelMeta) error {
	if meta.RemoteChannelID != "" || meta.AvatarURL != "" || meta.Handle != "" {
		_, err := s.DB.ExecContext(ctx, `UPDATE channels SET
			youtube_channel_id=COALESCE(NULLIF($1,''), youtube_channel_id),
			avatar_url=COALESCE(NULLIF($2,''), avatar_url),
			handle=COALESCE(NULLIF($3,''), handle),
			updated_at=NOW() WHERE id=$4`,
			meta.RemoteChannelID, meta.AvatarURL, meta.Handle, id)
		if err != nil {
			return fmt.Errorf("save channel meta for %s: %w", id, err)
		}
	}
	if meta.Statistics != nil {
		st := meta.Statistics
		_, err := s.DB.ExecContext(ctx, `UPDATE channels SET
			view_count=$1, subscriber_count=$2, video_count=$3, hidden_subscriber_count=$4,
			stats_updated_at=NOW(), updated_at=NOW() WHERE id=$5`,
			int64(st.ViewCount), int64(st.SubscriberCount), int64(st.VideoCount), st.HiddenSubscriberCount, id)
		if err != nil {
			return fmt.Errorf("save channel statistics for %s: %w", id, err)
		}
	}
	return nil
}

// Delete removes a channel row and its publish records (cascading).
func (s *ChannelStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM channels WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	return nil
}

// MarkRecordPosted stamps a video or short record with the remote video id
// after a successful upload. recordType selects the table.
func (s *ChannelStore) MarkRecordPosted(ctx context.Context, recordType, recordID, ytVideoID string) error {
	var table string
	switch recordType {
	case "short":
		table = "shorts"
	case "video", "":
		table = "videos"
	default:
		return fmt.Errorf("unknown record type %q", recordType)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE `+table+` SET yt_video_id=$1, status='posted', updated_at=NOW() WHERE id=$2`,
		ytVideoID, recordID)
	if err != nil {
		return fmt.Errorf("mark %s %s posted: %w", table, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark %s %s posted: no such record", table, recordID)
	}
	return nil
}
