// Package throttle guards the model budget. Every addressed message
// passes through an in-memory rolling quota window per user and per
// chat; the per-user allowance is scaled by an adaptive reputation
// multiplier recomputed from the persisted request log.
package throttle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/store"
)

// ErrRateLimited is returned by Acquire when the request exceeds the
// caller's quota. Callers match it with errors.Is.
var ErrRateLimited = errors.New("rate limited")

const (
	DefaultPerUserPerHour = 3
	DefaultPerChatPerHour = 60
	DefaultQuotaWindow    = time.Hour
	DefaultHistoryWindow  = 7 * 24 * time.Hour
	DefaultRefreshEvery   = 24 * time.Hour

	// DefaultMultiplier applies to users with no reputation row yet.
	DefaultMultiplier = 1.0
)

// Config controls the Manager. Zero values fall back to the package
// defaults above.
type Config struct {
	PerUserPerHour int
	PerChatPerHour int
	QuotaWindow    time.Duration
	HistoryWindow  time.Duration
	RefreshEvery   time.Duration
	Metrics        *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.PerUserPerHour <= 0 {
		c.PerUserPerHour = DefaultPerUserPerHour
	}
	if c.PerChatPerHour <= 0 {
		c.PerChatPerHour = DefaultPerChatPerHour
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = DefaultQuotaWindow
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = DefaultRefreshEvery
	}
}

// Manager is the throttle gate shared by all conversations. It is safe
// for concurrent use.
type Manager struct {
	cfg   Config
	store *store.Store

	users *window
	chats *window

	mu         sync.Mutex
	refreshing map[int64]struct{}
	wg         sync.WaitGroup
	bg         context.Context

	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// New builds a Manager on top of the persisted request log. Background
// reputation refreshes stay disabled until Start is called.
func New(st *store.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		store:      st,
		users:      newWindow(cfg.QuotaWindow),
		chats:      newWindow(cfg.QuotaWindow),
		refreshing: make(map[int64]struct{}),
		metrics:    cfg.Metrics,
		nowFn:      time.Now,
	}
}

// Start enables background reputation refreshes. ctx bounds their
// lifetime; cancel it and call Wait during shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.bg = ctx
	m.mu.Unlock()
}

// Wait blocks until all in-flight background refreshes finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Acquire records the request in the rolling windows and the persisted
// log, then reports whether it is within quota. Admins always pass the
// gate; their requests are still recorded so reputation stays honest.
// Returns ErrRateLimited on denial.
func (m *Manager) Acquire(ctx context.Context, chatID, userID int64, admin bool) error {
	now := m.nowFn()
	multiplier := m.Multiplier(ctx, userID)

	userOK := m.users.add(userID, now, scaledLimit(m.cfg.PerUserPerHour, multiplier))
	chatOK := m.chats.add(chatID, now, m.cfg.PerChatPerHour)
	allowed := admin || (userOK && chatOK)

	if err := m.store.LogRequest(ctx, userID, now, !allowed); err != nil {
		logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("failed to log request")
	}

	if allowed {
		return nil
	}
	if m.metrics != nil {
		m.metrics.RecordThrottleDenied()
	}
	logger.G(ctx).WithField("user_id", userID).
		WithField("chat_id", chatID).
		WithField("multiplier", multiplier).
		Debug("request throttled")
	return ErrRateLimited
}

// Multiplier returns the user's stored reputation multiplier, 1.0 when
// none exists. Stale rows are served as-is while a recompute is
// scheduled in the background.
func (m *Manager) Multiplier(ctx context.Context, userID int64) float64 {
	row, err := m.store.GetThrottleMetrics(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		m.maybeRefresh(userID, 0)
		return DefaultMultiplier
	}
	if err != nil {
		logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("failed to load throttle metrics")
		return DefaultMultiplier
	}
	m.maybeRefresh(userID, row.LastReputationUpdate)
	return row.ThrottleMultiplier
}

// PurgeIdle drops window keys with no activity inside the quota window.
func (m *Manager) PurgeIdle() {
	now := m.nowFn()
	m.users.purge(now)
	m.chats.purge(now)
}

// maybeRefresh schedules a background recompute when the stored row is
// older than RefreshEvery. At most one recompute runs per user at a
// time.
func (m *Manager) maybeRefresh(userID int64, lastUpdate int64) {
	if m.nowFn().Unix()-lastUpdate < int64(m.cfg.RefreshEvery/time.Second) {
		return
	}

	m.mu.Lock()
	ctx := m.bg
	if ctx == nil || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if _, inflight := m.refreshing[userID]; inflight {
		m.mu.Unlock()
		return
	}
	m.refreshing[userID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, userID)
			m.mu.Unlock()
		}()
		if _, err := m.UpdateReputation(ctx, userID); err != nil {
			logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("reputation refresh failed")
		}
	}()
}

func scaledLimit(base int, multiplier float64) int {
	limit := int(math.Floor(float64(base) * multiplier))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// window is a sliding-window counter keyed by id.
type window struct {
	mu      sync.Mutex
	period  time.Duration
	entries map[int64][]time.Time
}

func newWindow(period time.Duration) *window {
	return &window{
		period:  period,
		entries: make(map[int64][]time.Time),
	}
}

// add records one event for key at now and reports whether the window
// still fits within limit, the new event included.
func (w *window) add(key int64, now time.Time, limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	kept := w.entries[key][:0]
	for _, t := range w.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	w.entries[key] = kept
	return len(kept) <= limit
}

// purge removes keys whose events have all aged out.
func (w *window) purge(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	for key, events := range w.entries {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(w.entries, key)
		}
	}
}
