package throttle

import (
	"context"
	"math"

	"github.com/balakunbot/balakun/pkg/store"
)

const (
	burstWindowSeconds = 60
	burstThreshold     = 5

	maxBurstScore    = 0.4
	maxThrottleScore = 0.4
)

// UpdateReputation recomputes the user's spam score from the last
// HistoryWindow of request samples and persists the derived multiplier.
// Users with no history get the default row.
func (m *Manager) UpdateReputation(ctx context.Context, userID int64) (store.ThrottleMetrics, error) {
	now := m.nowFn()
	samples, err := m.store.RequestWindow(ctx, userID, now.Add(-m.cfg.HistoryWindow))
	if err != nil {
		return store.ThrottleMetrics{}, err
	}

	row := store.ThrottleMetrics{
		UserID:               userID,
		ThrottleMultiplier:   DefaultMultiplier,
		LastReputationUpdate: now.Unix(),
	}
	if len(samples) > 0 {
		b := analyze(samples)
		row.SpamScore = b.spamScore
		row.ThrottleMultiplier = multiplierFor(1 - b.spamScore)
		row.TotalRequests = int64(len(samples))
		row.ThrottledRequests = b.throttled
		row.BurstRequests = b.burstWindows
		row.AvgSpacingSeconds = b.avgSpacing
	}

	if err := m.store.SaveThrottleMetrics(ctx, row); err != nil {
		return store.ThrottleMetrics{}, err
	}
	if m.metrics != nil {
		m.metrics.RecordReputationUpdate()
	}
	return row, nil
}

type behavior struct {
	throttled    int64
	burstWindows int64
	avgSpacing   float64
	spamScore    float64
}

// analyze scores one user's request trace. Samples arrive oldest first.
func analyze(samples []store.RequestSample) behavior {
	var b behavior
	times := make([]int64, len(samples))
	for i, s := range samples {
		times[i] = s.RequestedAt
		if s.WasThrottled {
			b.throttled++
		}
	}

	// A burst window is a 60-second span, anchored at a request, that
	// holds at least burstThreshold requests.
	hi := 0
	for i := range times {
		if hi < i {
			hi = i
		}
		for hi < len(times) && times[hi]-times[i] < burstWindowSeconds {
			hi++
		}
		if hi-i >= burstThreshold {
			b.burstWindows++
		}
	}

	if len(times) >= 2 {
		var total int64
		for i := 1; i < len(times); i++ {
			total += times[i] - times[i-1]
		}
		b.avgSpacing = float64(total) / float64(len(times)-1)
	}

	burstScore := math.Min(float64(b.burstWindows)/10, maxBurstScore)
	throttleScore := math.Min(float64(b.throttled)/float64(len(samples)), maxThrottleScore)
	b.spamScore = math.Min(burstScore+throttleScore+spacingScore(b.avgSpacing, len(times)), 1)
	return b
}

// spacingScore rewards a human cadence of one or two minutes between
// messages. A single request carries no cadence signal and scores
// neutral.
func spacingScore(avgSpacing float64, requests int) float64 {
	if requests < 2 {
		return 0.05
	}
	switch {
	case avgSpacing >= 60 && avgSpacing <= 120:
		return 0.0
	case avgSpacing < 30:
		return 0.2
	case avgSpacing > 300:
		return 0.1
	default:
		return 0.05
	}
}

func multiplierFor(reputation float64) float64 {
	switch {
	case reputation >= 0.9:
		return 1.5
	case reputation >= 0.7:
		return 1.25
	case reputation >= 0.5:
		return 1.0
	case reputation >= 0.3:
		return 0.85
	default:
		return 0.7
	}
}
