package handler

import (
	"context"
	"time"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/throttle"
)

const (
	DefaultSweepInterval = time.Hour
	requestHistoryKeep   = 7 * 24 * time.Hour
)

// Janitor periodically drops expired turns, stale request history, and
// idle cache state so the database and memory footprint stay bounded.
type Janitor struct {
	store    *store.Store
	cache    *ReplyCache
	throttle *throttle.Manager
	interval time.Duration
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

func NewJanitor(st *store.Store, cache *ReplyCache, tm *throttle.Manager, interval time.Duration, m *metrics.Metrics) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		store:    st,
		cache:    cache,
		throttle: tm,
		interval: interval,
		metrics:  m,
		nowFn:    time.Now,
	}
}

// Run sweeps on the configured interval until the context ends. One
// sweep runs immediately on start.
func (j *Janitor) Run(ctx context.Context) {
	j.sweep(ctx)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	log := logger.G(ctx)

	if n, err := j.store.PurgeExpiredTurns(ctx); err != nil {
		log.WithError(err).Warn("failed to purge expired turns")
	} else if n > 0 {
		log.WithField("turns", n).Info("purged expired turns")
	}

	cutoff := j.nowFn().Add(-requestHistoryKeep)
	if n, err := j.store.PurgeRequestHistory(ctx, cutoff); err != nil {
		log.WithError(err).Warn("failed to purge request history")
	} else if n > 0 {
		log.WithField("requests", n).Debug("purged request history")
	}

	if j.cache != nil {
		j.cache.Purge()
		if j.metrics != nil {
			j.metrics.SetCacheEntries("reply", j.cache.Len())
		}
	}
	if j.throttle != nil {
		j.throttle.PurgeIdle()
	}
}
