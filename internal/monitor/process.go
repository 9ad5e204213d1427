// Package monitor samples resource usage of the relay process for the
// status endpoint.
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/stream-relay/backend/internal/logger"
)

const defaultInterval = 5 * time.Second

// ProcessStats is one sample of the relay's own resource usage.
type ProcessStats struct {
	PID           int32     `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Collector periodically samples the current process. Stats returns the
// most recent sample and never blocks on the sampler.
type Collector struct {
	proc *process.Process
	log  logger.Logger

	mu    sync.RWMutex
	stats ProcessStats
}

func NewCollector(log logger.Logger) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{
		proc: proc,
		log:  log.With(logger.F("component", "monitor")),
	}, nil
}

// Run samples once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}

	c.Sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one measurement and stores it. Fields that cannot be read
// on this platform are left at zero.
func (c *Collector) Sample() ProcessStats {
	stats := ProcessStats{
		PID:        c.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if pct, err := c.proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	} else {
		c.log.Debug("cpu sample failed", logger.Err(err))
	}

	if info, err := c.proc.MemoryInfo(); err == nil {
		stats.MemoryBytes = info.RSS
		if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
			stats.MemoryPercent = float64(info.RSS) / float64(vm.Total) * 100
		}
	} else {
		c.log.Debug("memory sample failed", logger.Err(err))
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
	return stats
}

// Stats returns the latest sample, or the zero value before the first one.
func (c *Collector) Stats() ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
