// Package ledger is the durable record of link conversions and the reactions
// observed on them. It owns the conversions and reactions tables and is the
// only component that mutates them. A Store is constructed explicitly and
// handed to its consumers; there is no package-level database handle.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Conversion is one tracked original message that contained at least one
// recognized link. OriginalLinks and ConvertedLinks are index-aligned.
type Conversion struct {
	OriginalMessageID string
	ChannelID         string
	GuildID           string
	AuthorID          string
	AuthorName        string
	OriginalText      string
	ConvertedText     string
	OriginalLinks     []string
	ConvertedLinks    []string
	ReplyMessageID    string
	CreatedAt         time.Time
	Reverted          bool
}

// ConversionInput is the write shape for RecordConversion. CreatedAt and the
// revert flag are owned by the store.
type ConversionInput struct {
	OriginalMessageID string
	ChannelID         string
	GuildID           string
	AuthorID          string
	AuthorName        string
	OriginalText      string
	ConvertedText     string
	OriginalLinks     []string
	ConvertedLinks    []string
	ReplyMessageID    string
}

// Reaction is one observed trigger-emoji reaction on a tracked message. Rows
// are append-only and exist purely as an audit trail; whether a reaction won
// the revert race is decided by TryRevert, not recorded here.
type Reaction struct {
	ID                int64
	OriginalMessageID string
	ReactorID         string
	ReactorName       string
	Emoji             string
	ObservedAt        time.Time
	IsRevertCandidate bool
}

// ReactionInput is the write shape for RecordReaction.
type ReactionInput struct {
	OriginalMessageID string
	ReactorID         string
	ReactorName       string
	Emoji             string
	IsRevertCandidate bool
}

// Stats is an aggregate snapshot of the ledger.
type Stats struct {
	TotalConversions int64 `json:"total_conversions"`
	TotalReactions   int64 `json:"total_reactions"`
	TotalReverted    int64 `json:"total_reverted"`
}

// Store provides ledger access over a Postgres connection pool. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// RecordConversion upserts a conversion keyed by original message id. A
// replay of the same message fully replaces the previous row and resets the
// revert flag, so reprocessing a redelivered event never duplicates state.
func (s *Store) RecordConversion(ctx context.Context, in ConversionInput) error {
	if len(in.OriginalLinks) != len(in.ConvertedLinks) {
		return fmt.Errorf("record conversion %s: %d original links vs %d converted", in.OriginalMessageID, len(in.OriginalLinks), len(in.ConvertedLinks))
	}
	origJSON, err := json.Marshal(in.OriginalLinks)
	if err != nil {
		return fmt.Errorf("marshal original links: %w", err)
	}
	convJSON, err := json.Marshal(in.ConvertedLinks)
	if err != nil {
		return fmt.Errorf("marshal converted links: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversions
		(original_message_id, channel_id, guild_id, author_id, author_name, original_text, converted_text, original_links, converted_links, reply_message_id, created_at, reverted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),FALSE)
		ON CONFLICT (original_message_id) DO UPDATE SET
			channel_id=EXCLUDED.channel_id,
			guild_id=EXCLUDED.guild_id,
			author_id=EXCLUDED.author_id,
			author_name=EXCLUDED.author_name,
			original_text=EXCLUDED.original_text,
			converted_text=EXCLUDED.converted_text,
			original_links=EXCLUDED.original_links,
			converted_links=EXCLUDED.converted_links,
			reply_message_id=EXCLUDED.reply_message_id,
			created_at=NOW(),
			reverted=FALSE`,
		in.OriginalMessageID, in.ChannelID, in.GuildID, in.AuthorID, in.AuthorName,
		in.OriginalText, in.ConvertedText, string(origJSON), string(convJSON), in.ReplyMessageID)
	if err != nil {
		return fmt.Errorf("record conversion %s: %w", in.OriginalMessageID, err)
	}
	return nil
}

const conversionCols = `original_message_id, channel_id, guild_id, author_id, author_name, original_text, converted_text, original_links, converted_links, reply_message_id, created_at, reverted`

func scanConversion(row interface{ Scan(...any) error }) (*Conversion, error) {
	var c Conversion
	var origJSON, convJSON string
	err := row.Scan(&c.OriginalMessageID, &c.ChannelID, &c.GuildID, &c.AuthorID, &c.AuthorName,
		&c.OriginalText, &c.ConvertedText, &origJSON, &convJSON, &c.ReplyMessageID, &c.CreatedAt, &c.Reverted)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(origJSON), &c.OriginalLinks); err != nil {
		return nil, fmt.Errorf("unmarshal original links: %w", err)
	}
	if err := json.Unmarshal([]byte(convJSON), &c.ConvertedLinks); err != nil {
		return nil, fmt.Errorf("unmarshal converted links: %w", err)
	}
	return &c, nil
}

// GetConversion returns the conversion for an original message id, or nil
// when no such record exists.
func (s *Store) GetConversion(ctx context.Context, originalMessageID string) (*Conversion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionCols+` FROM conversions WHERE original_message_id=$1`, originalMessageID)
	c, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion %s: %w", originalMessageID, err)
	}
	return c, nil
}

// GetConversionByReply looks a conversion up by the id of the bot's reply
// message. Reactions placed on the reply arrive keyed this way.
func (s *Store) GetConversionByReply(ctx context.Context, replyMessageID string) (*Conversion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionCols+` FROM conversions WHERE reply_message_id=$1`, replyMessageID)
	c, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion by reply %s: %w", replyMessageID, err)
	}
	return c, nil
}

// TryRevert atomically flips the record from active to reverted. The single
// guarded UPDATE is the only concurrency primitive the at-most-once revert
// guarantee rests on: of any number of concurrent callers exactly one sees
// true. An unknown or already-reverted id returns false, never an error.
func (s *Store) TryRevert(ctx context.Context, originalMessageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE conversions SET reverted=TRUE WHERE original_message_id=$1 AND reverted=FALSE`, originalMessageID)
	if err != nil {
		return false, fmt.Errorf("try revert %s: %w", originalMessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try revert %s: rows affected: %w", originalMessageID, err)
	}
	return n == 1, nil
}

// DeleteConversion removes a conversion and, via the FK cascade, its
// reactions. Returns true iff a row existed.
func (s *Store) DeleteConversion(ctx context.Context, originalMessageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversions WHERE original_message_id=$1`, originalMessageID)
	if err != nil {
		return false, fmt.Errorf("delete conversion %s: %w", originalMessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversion %s: rows affected: %w", originalMessageID, err)
	}
	return n == 1, nil
}

// RecordReaction appends a reaction to the audit trail and returns its id.
// Reactions are recorded regardless of the record's revert state. If the
// parent conversion was purged between lookup and insert, the append is a
// no-op returning id 0 rather than an error.
func (s *Store) RecordReaction(ctx context.Context, in ReactionInput) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO reactions
		(original_message_id, reactor_id, reactor_name, emoji, observed_at, is_revert_candidate)
		VALUES ($1,$2,$3,$4,NOW(),$5) RETURNING id`,
		in.OriginalMessageID, in.ReactorID, in.ReactorName, in.Emoji, in.IsRevertCandidate).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// Foreign key violation: parent conversion gone (concurrent purge).
			return 0, nil
		}
		return 0, fmt.Errorf("record reaction on %s: %w", in.OriginalMessageID, err)
	}
	return id, nil
}

// ListReactions returns the reactions observed on a tracked message, oldest
// first.
func (s *Store) ListReactions(ctx context.Context, originalMessageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, original_message_id, reactor_id, reactor_name, emoji, observed_at, is_revert_candidate
		FROM reactions WHERE original_message_id=$1 ORDER BY observed_at ASC, id ASC`, originalMessageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions for %s: %w", originalMessageID, err)
	}
	defer rows.Close()
	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.OriginalMessageID, &r.ReactorID, &r.ReactorName, &r.Emoji, &r.ObservedAt, &r.IsRevertCandidate); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) listConversions(ctx context.Context, where, arg string, limit int) ([]Conversion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversionCols+` FROM conversions WHERE `+where+`=$1 ORDER BY created_at DESC LIMIT $2`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversions by %s: %w", where, err)
	}
	defer rows.Close()
	var out []Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListByAuthor returns the author's most recent conversions, newest first.
func (s *Store) ListByAuthor(ctx context.Context, authorID string, limit int) ([]Conversion, error) {
	return s.listConversions(ctx, "author_id", authorID, limit)
}

// ListByChannel returns a channel's most recent conversions, newest first.
func (s *Store) ListByChannel(ctx context.Context, channelID string, limit int) ([]Conversion, error) {
	return s.listConversions(ctx, "channel_id", channelID, limit)
}

// ListByGuild returns a guild's most recent conversions, newest first.
func (s *Store) ListByGuild(ctx context.Context, guildID string, limit int) ([]Conversion, error) {
	return s.listConversions(ctx, "guild_id", guildID, limit)
}

// PurgeOlderThan removes conversions created before now-age together with
// their reactions, in one transaction, and returns the number of conversions
// removed. The explicit reaction delete runs first so no orphaned reaction is
// ever visible, FK cascade or not.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE original_message_id IN
		(SELECT original_message_id FROM conversions WHERE created_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge: delete reactions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: delete conversions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: commit: %w", err)
	}
	return n, nil
}

// CountOlderThan reports how many conversions a purge with the same age would
// remove. Used by the retention job's dry-run mode.
func (s *Store) CountOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversions WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count older than: %w", err)
	}
	return n, nil
}

// Stats returns ledger totals from a single statement, so the reverted count
// can never exceed the conversion count within one result.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM conversions),
		(SELECT COUNT(*) FROM reactions),
		(SELECT COUNT(*) FROM conversions WHERE reverted)`).
		Scan(&st.TotalConversions, &st.TotalReactions, &st.TotalReverted)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
