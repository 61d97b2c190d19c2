// Package db provides database connection helpers, schema migration, and the
// channel/record data access layer.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback path for deployments without the schema_migrations table;
// new deployments should use RunMigrations (versioned).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id UUID PRIMARY KEY,
			display_name TEXT,
			handle TEXT,
			avatar_url TEXT,
			youtube_channel_id TEXT,
			status TEXT DEFAULT 'Connected',
			access_token TEXT,
			refresh_token TEXT,
			token_expiry TIMESTAMPTZ,
			view_count BIGINT,
			subscriber_count BIGINT,
			video_count BIGINT,
			hidden_subscriber_count BOOLEAN DEFAULT FALSE,
			stats_updated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id UUID PRIMARY KEY,
			channel_id UUID REFERENCES channels(id) ON DELETE CASCADE,
			title TEXT,
			status TEXT DEFAULT 'draft',
			yt_video_id TEXT,
			scheduled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS shorts (
			id UUID PRIMARY KEY,
			channel_id UUID REFERENCES channels(id) ON DELETE CASCADE,
			title TEXT,
			status TEXT DEFAULT 'draft',
			yt_video_id TEXT,
			scheduled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_youtube_channel_id ON channels(youtube_channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_channel_id ON videos(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shorts_channel_id ON shorts(channel_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
