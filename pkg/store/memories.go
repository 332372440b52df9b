package store

import (
	"context"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// MemoryCap bounds the number of memories kept per (user, chat).
const MemoryCap = 15

// AddMemory stores a free-form memory for the (user, chat) pair. Inserting
// a duplicate text refreshes its updated_at; inserting at capacity evicts
// the oldest rows so at most MemoryCap survive.
func (s *Store) AddMemory(ctx context.Context, userID, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return pkgerrors.New("memory text is empty")
	}
	now := s.nowFn().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, chat_id, memory_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id, memory_text) DO UPDATE SET
			updated_at = excluded.updated_at
	`, userID, chatID, text, now, now)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to add memory (user %d, chat %d)", userID, chatID)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM user_memories
		WHERE user_id = ? AND chat_id = ? AND id NOT IN (
			SELECT id FROM user_memories
			WHERE user_id = ? AND chat_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, userID, chatID, userID, chatID, MemoryCap)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to enforce memory cap")
	}

	return tx.Commit()
}

// Memories returns all memories for the (user, chat) pair, oldest first.
func (s *Store) Memories(ctx context.Context, userID, chatID int64) ([]UserMemory, error) {
	var rows []UserMemory
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, chat_id, memory_text, created_at, updated_at
		FROM user_memories
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID, chatID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load memories (user %d, chat %d)", userID, chatID)
	}
	return rows, nil
}

// DeleteMemories removes all memories for the (user, chat) pair and
// returns the number deleted.
func (s *Store) DeleteMemories(ctx context.Context, userID, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_memories WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to delete memories (user %d, chat %d)", userID, chatID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count deleted memories")
	}
	return n, nil
}
