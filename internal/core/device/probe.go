package device

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Info summarizes how much headroom the host has for background preloading
type Info struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryTotal   uint64    `json:"memory_total"`
	Cores         int       `json:"cores"`
	LowEnd        bool      `json:"low_end"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Headroom returns a 0..1 score; 1 means an idle, well-provisioned device
func (i Info) Headroom() float64 {
	cpuFree := 1 - clamp(i.CPUPercent/100)
	memFree := 1 - clamp(i.MemoryPercent/100)
	score := 0.5*cpuFree + 0.5*memFree
	if i.LowEnd {
		score *= 0.6
	}
	return clamp(score)
}

// Source provides device information
type Source interface {
	Info(ctx context.Context) Info
}

// Static is a fixed Source, used when probing is disabled and in tests
type Static Info

func (s Static) Info(context.Context) Info { return Info(s) }

// Probe samples CPU and memory with gopsutil, caching the result for ttl
type Probe struct {
	logger *logrus.Logger
	ttl    time.Duration
	mu     sync.Mutex
	last   Info
}

// NewProbe creates a device probe
func NewProbe(logger *logrus.Logger, ttl time.Duration) *Probe {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Probe{
		logger: logger,
		ttl:    ttl,
	}
}

// Info returns the cached sample, refreshing it when stale
func (p *Probe) Info(ctx context.Context) Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.SampledAt.IsZero() && time.Since(p.last.SampledAt) < p.ttl {
		return p.last
	}

	info := Info{
		Cores:     runtime.NumCPU(),
		SampledAt: time.Now(),
	}

	// interval 0 compares against the previous call instead of blocking
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		p.logger.WithError(err).Debug("Failed to sample CPU usage")
	} else if len(percents) > 0 {
		info.CPUPercent = percents[0]
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil && counts > 0 {
		info.Cores = counts
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.logger.WithError(err).Debug("Failed to sample memory usage")
	} else {
		info.MemoryPercent = vmem.UsedPercent
		info.MemoryTotal = vmem.Total
	}

	info.LowEnd = info.Cores <= 2 || (info.MemoryTotal > 0 && info.MemoryTotal < 2<<30)
	p.last = info
	return info
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
