package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// LogRequest appends one row to the rolling request log.
func (s *Store) LogRequest(ctx context.Context, userID int64, at time.Time, wasThrottled bool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user_request_history (user_id, requested_at, was_throttled) VALUES (?, ?, ?)",
		userID, at.Unix(), wasThrottled)
	return pkgerrors.Wrapf(err, "failed to log request for user %d", userID)
}

// RequestWindow returns the user's request samples at or after since,
// oldest first.
func (s *Store) RequestWindow(ctx context.Context, userID int64, since time.Time) ([]RequestSample, error) {
	var samples []RequestSample
	err := s.db.SelectContext(ctx, &samples, `
		SELECT requested_at, was_throttled
		FROM user_request_history
		WHERE user_id = ? AND requested_at >= ?
		ORDER BY requested_at ASC, id ASC
	`, userID, since.Unix())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load request window for user %d", userID)
	}
	return samples, nil
}

// PurgeRequestHistory deletes log rows older than before and returns the
// number removed.
func (s *Store) PurgeRequestHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_request_history WHERE requested_at < ?", before.Unix())
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to purge request history")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count purged request rows")
	}
	return n, nil
}

// GetThrottleMetrics loads the user's reputation row, or ErrNotFound.
func (s *Store) GetThrottleMetrics(ctx context.Context, userID int64) (ThrottleMetrics, error) {
	var m ThrottleMetrics
	err := s.db.GetContext(ctx, &m, `
		SELECT user_id, throttle_multiplier, spam_score, total_requests,
		       throttled_requests, burst_requests, avg_request_spacing_seconds,
		       last_reputation_update, created_at, updated_at
		FROM user_throttle_metrics
		WHERE user_id = ?
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ThrottleMetrics{}, ErrNotFound
	}
	if err != nil {
		return ThrottleMetrics{}, pkgerrors.Wrapf(err, "failed to load throttle metrics for user %d", userID)
	}
	return m, nil
}

// SaveThrottleMetrics upserts the user's reputation row, preserving
// created_at on update.
func (s *Store) SaveThrottleMetrics(ctx context.Context, m ThrottleMetrics) error {
	now := s.nowFn().Unix()
	query := `
		INSERT INTO user_throttle_metrics (
			user_id, throttle_multiplier, spam_score, total_requests,
			throttled_requests, burst_requests, avg_request_spacing_seconds,
			last_reputation_update, created_at, updated_at
		) VALUES (
			:user_id, :throttle_multiplier, :spam_score, :total_requests,
			:throttled_requests, :burst_requests, :avg_request_spacing_seconds,
			:last_reputation_update, :created_at, :updated_at
		)
		ON CONFLICT(user_id) DO UPDATE SET
			throttle_multiplier = excluded.throttle_multiplier,
			spam_score = excluded.spam_score,
			total_requests = excluded.total_requests,
			throttled_requests = excluded.throttled_requests,
			burst_requests = excluded.burst_requests,
			avg_request_spacing_seconds = excluded.avg_request_spacing_seconds,
			last_reputation_update = excluded.last_reputation_update,
			updated_at = excluded.updated_at
	`
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, query, m)
	return pkgerrors.Wrapf(err, "failed to save throttle metrics for user %d", m.UserID)
}
