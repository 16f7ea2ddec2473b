package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/transcript"
)

// Compile-time interface check.
var _ transcript.Store = (*Store)(nil)

const selectColumns = `id, user_id, username, text, raw_text, timestamp, guild_id, channel_id, meeting_id, foul`

// Store is a [transcript.Store] backed by the transcript_entries table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Add inserts e. Re-adding an entry with the same ID is a no-op.
func (s *Store) Add(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (id, user_id, username, text, raw_text, timestamp, guild_id, channel_id, meeting_id, foul)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.ID,
		e.UserID,
		e.Username,
		e.Text,
		e.RawText,
		e.Timestamp,
		e.GuildID,
		e.ChannelID,
		e.MeetingID,
		e.Foul,
	)
	if err != nil {
		return fmt.Errorf("transcript store: add: %w", err)
	}
	return nil
}

// All returns every entry.
func (s *Store) All(ctx context.Context) ([]transcript.Entry, error) {
	return s.query(ctx, "all", filters{})
}

// ByGuild returns the entries recorded in guildID.
func (s *Store) ByGuild(ctx context.Context, guildID string) ([]transcript.Entry, error) {
	return s.query(ctx, "by guild", filters{guildID: guildID})
}

// ByUser returns the entries userID produced in guildID.
func (s *Store) ByUser(ctx context.Context, guildID, userID string) ([]transcript.Entry, error) {
	return s.query(ctx, "by user", filters{guildID: guildID, userID: userID})
}

// ByTimeRange returns the guild's entries within [from, to].
func (s *Store) ByTimeRange(ctx context.Context, guildID string, from, to time.Time) ([]transcript.Entry, error) {
	return s.query(ctx, "by time range", filters{guildID: guildID, from: from, to: to})
}

// ClearGuild deletes the guild's entries.
func (s *Store) ClearGuild(ctx context.Context, guildID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcript_entries WHERE guild_id = $1`, guildID)
	if err != nil {
		return 0, fmt.Errorf("transcript store: clear guild: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClearAll deletes every entry.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_entries`); err != nil {
		return fmt.Errorf("transcript store: clear all: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM transcript_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("transcript store: count: %w", err)
	}
	return n, nil
}

// Ping checks connectivity. It is registered as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("transcript store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type filters struct {
	guildID string
	userID  string
	from    time.Time
	to      time.Time
}

func (s *Store) query(ctx context.Context, op string, f filters) ([]transcript.Entry, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.guildID != "" {
		conditions = append(conditions, "guild_id = "+next(f.guildID))
	}
	if f.userID != "" {
		conditions = append(conditions, "user_id = "+next(f.userID))
	}
	if !f.from.IsZero() {
		conditions = append(conditions, "timestamp >= "+next(f.from))
	}
	if !f.to.IsZero() {
		conditions = append(conditions, "timestamp <= "+next(f.to))
	}

	q := "SELECT " + selectColumns + "\nFROM   transcript_entries\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY timestamp, seq"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %s: %w", op, err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into a slice of entries.
func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(
			&e.ID,
			&e.UserID,
			&e.Username,
			&e.Text,
			&e.RawText,
			&e.Timestamp,
			&e.GuildID,
			&e.ChannelID,
			&e.MeetingID,
			&e.Foul,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}
