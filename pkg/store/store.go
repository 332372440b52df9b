// Package store implements the SQLite repositories behind the bot:
// conversation turns, user profiles, facts, memories, bans, notices, and
// the throttle bookkeeping. All rows are owned here; other packages only
// see domain types.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/types/chat"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateTurn reports an insert that collided with an existing
// (chat_id, message_id) row. AddTurn swallows it so replayed updates
// stay no-ops for callers.
var ErrDuplicateTurn = errors.New("duplicate turn")

// Store provides repository access over a configured SQLite handle. The
// handle is shared; Store does not close it.
type Store struct {
	db    *sqlx.DB
	nowFn func() time.Time
}

// New creates a Store over an already opened and migrated database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// AddTurn inserts one turn into the history. Duplicate (chat_id,
// message_id) pairs are silently ignored so replayed updates are no-ops.
func (s *Store) AddTurn(ctx context.Context, turn chat.Turn) error {
	err := s.insertTurn(ctx, turn)
	if errors.Is(err, ErrDuplicateTurn) {
		return nil
	}
	return err
}

// insertTurn performs the insert and reports ErrDuplicateTurn when the
// (chat_id, message_id) pair already exists.
func (s *Store) insertTurn(ctx context.Context, turn chat.Turn) error {
	if turn.Role != chat.RoleUser && turn.Role != chat.RoleModel {
		return pkgerrors.Errorf("invalid role %q", turn.Role)
	}

	row := fromTurn(turn)
	query := `
		INSERT OR IGNORE INTO messages (
			chat_id, thread_id, user_id, message_id, role, text,
			media, metadata, embedding, ts, retention_days
		) VALUES (
			:chat_id, :thread_id, :user_id, :message_id, :role, :text,
			:media, :metadata, :embedding, :ts, :retention_days
		)
	`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to add turn (chat %d, message %d)", turn.ChatID, turn.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to add turn (chat %d, message %d)", turn.ChatID, turn.MessageID)
	}
	if n == 0 {
		return ErrDuplicateTurn
	}
	return nil
}

// Recent returns the most recent maxTurns turns for (chat, thread),
// ordered ascending by timestamp. A nil thread selects the non-forum
// history of the chat.
func (s *Store) Recent(ctx context.Context, chatID int64, threadID *int64, maxTurns int) ([]chat.Turn, error) {
	if maxTurns <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, chat_id, thread_id, user_id, message_id, role, text,
		       media, metadata, embedding, ts, retention_days
		FROM messages
		WHERE chat_id = ? AND thread_id IS ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`
	var rows []dbTurn
	err := s.db.SelectContext(ctx, &rows, query, chatID, threadID, maxTurns)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load recent turns for chat %d", chatID)
	}

	turns := make([]chat.Turn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = row.ToTurn()
	}
	return turns, nil
}

// SemanticCandidates returns up to limit of the most recent turns with a
// stored embedding in the chat, newest first. A non-nil thread restricts
// candidates to that thread; nil spans the whole chat.
func (s *Store) SemanticCandidates(ctx context.Context, chatID int64, threadID *int64, limit int) ([]chat.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, chat_id, thread_id, user_id, message_id, role, text,
		       media, metadata, embedding, ts, retention_days
		FROM messages
		WHERE chat_id = ? AND embedding IS NOT NULL
	`
	args := []any{chatID}
	if threadID != nil {
		query += " AND thread_id = ?"
		args = append(args, *threadID)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []dbTurn
	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load semantic candidates for chat %d", chatID)
	}

	turns := make([]chat.Turn, len(rows))
	for i, row := range rows {
		turns[i] = row.ToTurn()
	}
	return turns, nil
}

// TurnByMessageID loads one turn by its natural key.
func (s *Store) TurnByMessageID(ctx context.Context, chatID, messageID int64) (chat.Turn, error) {
	query := `
		SELECT id, chat_id, thread_id, user_id, message_id, role, text,
		       media, metadata, embedding, ts, retention_days
		FROM messages
		WHERE chat_id = ? AND message_id = ?
	`
	var row dbTurn
	err := s.db.GetContext(ctx, &row, query, chatID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Turn{}, ErrNotFound
	}
	if err != nil {
		return chat.Turn{}, pkgerrors.Wrapf(err, "failed to load turn (chat %d, message %d)", chatID, messageID)
	}
	return row.ToTurn(), nil
}

// PurgeExpiredTurns deletes turns older than their retention horizon and
// returns the number of rows removed.
func (s *Store) PurgeExpiredTurns(ctx context.Context) (int64, error) {
	now := s.nowFn().Unix()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE ts + retention_days * 86400 < ?", now)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to purge expired turns")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count purged turns")
	}
	return n, nil
}
