// Package monitor samples host and process resource usage and derives
// an optimization level the rest of the system consults to shed load.
package monitor

import (
	"context"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
)

const (
	DefaultInterval = 30 * time.Second

	memoryWarnPercent     = 80.0
	memoryCriticalPercent = 90.0
	cpuWarnPercent        = 85.0
	cpuCriticalPercent    = 95.0
)

// Stats is one resource sample.
type Stats struct {
	MemoryPercent     float64 // host memory in use
	CPUPercent        float64 // host cpu, all cores averaged
	ProcessMemoryMB   float64 // our RSS
	ProcessCPUPercent float64
}

// Monitor periodically samples the host and the current process and
// feeds each sample to the Optimizer and the metrics gauges.
type Monitor struct {
	proc      *process.Process
	optimizer *Optimizer
	metrics   *metrics.Metrics
	interval  time.Duration

	sampleFn func(ctx context.Context) (Stats, error)
}

// New builds a Monitor around the current process. optimizer and m may
// be nil.
func New(optimizer *Optimizer, m *metrics.Metrics, interval time.Duration) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to attach to own process")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	mon := &Monitor{
		proc:      proc,
		optimizer: optimizer,
		metrics:   m,
		interval:  interval,
	}
	mon.sampleFn = mon.sampleSystem
	return mon, nil
}

// Sample takes one resource reading.
func (m *Monitor) Sample(ctx context.Context) (Stats, error) {
	return m.sampleFn(ctx)
}

func (m *Monitor) sampleSystem(ctx context.Context) (Stats, error) {
	var stats Stats

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "failed to read host memory")
	}
	stats.MemoryPercent = vm.UsedPercent

	// interval 0 compares against the previous call instead of blocking
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, pkgerrors.Wrap(err, "failed to read host cpu")
	}
	if len(cpuPercents) > 0 {
		stats.CPUPercent = cpuPercents[0]
	}

	if info, err := m.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		stats.ProcessMemoryMB = float64(info.RSS) / (1024 * 1024)
	}
	if pct, err := m.proc.CPUPercentWithContext(ctx); err == nil {
		stats.ProcessCPUPercent = pct
	}

	return stats, nil
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	stats, err := m.Sample(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("resource sample failed")
		return
	}

	if m.metrics != nil {
		m.metrics.SetResourceUsage(stats.MemoryPercent, stats.CPUPercent)
	}
	m.logThresholds(ctx, stats)

	if m.optimizer != nil {
		m.optimizer.Observe(ctx, stats)
	}
}

func (m *Monitor) logThresholds(ctx context.Context, stats Stats) {
	log := logger.G(ctx).
		WithField("memory_percent", stats.MemoryPercent).
		WithField("cpu_percent", stats.CPUPercent).
		WithField("process_rss_mb", stats.ProcessMemoryMB)

	switch {
	case stats.MemoryPercent >= memoryCriticalPercent:
		log.Error("memory usage critical")
	case stats.MemoryPercent >= memoryWarnPercent:
		log.Warn("memory usage high")
	}

	switch {
	case stats.CPUPercent >= cpuCriticalPercent:
		log.Error("cpu usage critical")
	case stats.CPUPercent >= cpuWarnPercent:
		log.Warn("cpu usage high")
	}
}
