package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
)

// Level is the current load-shedding posture.
type Level int

const (
	LevelNormal    Level = 0
	LevelOptimized Level = 1
	LevelEmergency Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelOptimized:
		return "optimized"
	case LevelEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

const (
	optimizedCPUPercent = 80.0
	optimizedRAMPercent = 70.0
	emergencyCPUPercent = 95.0
	emergencyRAMPercent = 85.0

	// minimum dwell time between level changes
	levelDebounce = 30 * time.Second
)

// Optimizer maps resource samples to a Level. Transitions are debounced
// so a single noisy sample cannot flap the system between postures.
type Optimizer struct {
	mu         sync.Mutex
	level      Level
	lastChange time.Time

	metrics *metrics.Metrics
	nowFn   func() time.Time
}

func NewOptimizer(m *metrics.Metrics) *Optimizer {
	return &Optimizer{
		metrics: m,
		nowFn:   time.Now,
	}
}

// Observe folds one sample into the current level and returns it.
func (o *Optimizer) Observe(ctx context.Context, stats Stats) Level {
	target := levelFor(stats)

	o.mu.Lock()
	defer o.mu.Unlock()

	if target == o.level {
		return o.level
	}
	now := o.nowFn()
	if !o.lastChange.IsZero() && now.Sub(o.lastChange) < levelDebounce {
		return o.level
	}

	logger.G(ctx).
		WithField("from", o.level.String()).
		WithField("to", target.String()).
		WithField("memory_percent", stats.MemoryPercent).
		WithField("cpu_percent", stats.CPUPercent).
		Info("optimization level changed")

	o.level = target
	o.lastChange = now
	if o.metrics != nil {
		o.metrics.SetOptimizationLevel(int(target))
	}
	return o.level
}

// Level returns the current posture.
func (o *Optimizer) Level() Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// ShouldDisableLocalModel reports whether the optional in-process
// fallback model should stay unloaded.
func (o *Optimizer) ShouldDisableLocalModel() bool {
	return o.Level() >= LevelOptimized
}

// ShouldSuppressModelExtraction reports whether model-based fact
// extraction should be skipped, leaving only the rule pass.
func (o *Optimizer) ShouldSuppressModelExtraction() bool {
	return o.Level() >= LevelEmergency
}

// HistoryLimit shrinks the context window under emergency load.
func (o *Optimizer) HistoryLimit(base int) int {
	if o.Level() >= LevelEmergency {
		limit := base / 2
		if limit < 1 {
			limit = 1
		}
		return limit
	}
	return base
}

func levelFor(stats Stats) Level {
	switch {
	case stats.CPUPercent >= emergencyCPUPercent || stats.MemoryPercent >= emergencyRAMPercent:
		return LevelEmergency
	case stats.CPUPercent >= optimizedCPUPercent || stats.MemoryPercent >= optimizedRAMPercent:
		return LevelOptimized
	default:
		return LevelNormal
	}
}
