package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// IsBanned reports whether the user is banned in the chat.
func (s *Store) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	var banned bool
	err := s.db.GetContext(ctx, &banned,
		"SELECT EXISTS (SELECT 1 FROM bans WHERE chat_id = ? AND user_id = ?)", chatID, userID)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to check ban (chat %d, user %d)", chatID, userID)
	}
	return banned, nil
}

// Ban records a ban for the user in the chat. Banning twice is a no-op.
func (s *Store) Ban(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO bans (chat_id, user_id, banned_at) VALUES (?, ?, ?)",
		chatID, userID, s.nowFn().Unix())
	return pkgerrors.Wrapf(err, "failed to ban user %d in chat %d", userID, chatID)
}

// Unban removes a ban. Unbanning an unbanned user is a no-op.
func (s *Store) Unban(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM bans WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return pkgerrors.Wrapf(err, "failed to unban user %d in chat %d", userID, chatID)
}

// ShouldSendNotice implements the sliding-window notice deduper. It
// returns true at most once per ttl for a (chat, user, reason) triple and
// stamps the window when it does.
func (s *Store) ShouldSendNotice(ctx context.Context, chatID, userID int64, reason string, ttl time.Duration) (bool, error) {
	now := s.nowFn().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var lastSentAt int64
	err = tx.GetContext(ctx, &lastSentAt,
		"SELECT last_sent_at FROM notices WHERE chat_id = ? AND user_id = ? AND reason = ?",
		chatID, userID, reason)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, pkgerrors.Wrapf(err, "failed to load notice window (chat %d, user %d, reason %s)", chatID, userID, reason)
	}
	if err == nil && now-lastSentAt < int64(ttl.Seconds()) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notices (chat_id, user_id, reason, last_sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id, reason) DO UPDATE SET
			last_sent_at = excluded.last_sent_at
	`, chatID, userID, reason, now)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to stamp notice window")
	}

	return true, tx.Commit()
}
