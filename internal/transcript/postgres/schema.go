// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the
// transcript_entries table and its indexes and is run by [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Add(ctx, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    user_id     TEXT         NOT NULL,
    username    TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    guild_id    TEXT         NOT NULL,
    channel_id  TEXT         NOT NULL DEFAULT '',
    meeting_id  TEXT         NOT NULL DEFAULT '',
    foul        BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_guild_timestamp
    ON transcript_entries (guild_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_guild_user
    ON transcript_entries (guild_id, user_id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_meeting
    ON transcript_entries (meeting_id);
`

// Migrate ensures the transcript tables exist. It is idempotent and safe to
// call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
