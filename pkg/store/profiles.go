package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// UpsertProfile inserts or refreshes the (user, chat) profile. Names are
// overwritten with the latest observation; first_seen and created_at are
// preserved, and last_seen never moves backwards.
func (s *Store) UpsertProfile(ctx context.Context, userID, chatID int64, firstName, lastName, username string, seenAt int64) error {
	now := s.nowFn().Unix()
	query := `
		INSERT INTO user_profiles (
			user_id, chat_id, first_name, last_name, username,
			first_seen, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			username = excluded.username,
			last_seen = MAX(last_seen, excluded.last_seen),
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		userID, chatID, firstName, lastName, username, seenAt, seenAt, now, now)
	return pkgerrors.Wrapf(err, "failed to upsert profile (user %d, chat %d)", userID, chatID)
}

// GetProfile loads the (user, chat) profile, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID, chatID int64) (UserProfile, error) {
	var profile UserProfile
	err := s.db.GetContext(ctx, &profile, `
		SELECT user_id, chat_id, first_name, last_name, username,
		       first_seen, last_seen, created_at, updated_at
		FROM user_profiles
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, pkgerrors.Wrapf(err, "failed to load profile (user %d, chat %d)", userID, chatID)
	}
	return profile, nil
}

// DisplayName formats the profile for prompt headers: full name, then
// username, then the numeric id.
func (p UserProfile) DisplayName() string {
	name := p.FirstName
	if p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += p.LastName
	}
	if name != "" {
		return name
	}
	if p.Username != "" {
		return "@" + p.Username
	}
	return fmt.Sprintf("user %d", p.UserID)
}
