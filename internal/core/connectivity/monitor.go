package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
)

// NetworkInfo mirrors what a browser reports through the Network Information API
type NetworkInfo struct {
	EffectiveType string        `json:"effective_type"`
	DownlinkMbps  float64       `json:"downlink_mbps"`
	RTT           time.Duration `json:"rtt"`
	SaveData      bool          `json:"save_data"`
}

// Slow reports whether preloading should be conservative
func (n NetworkInfo) Slow() bool {
	return n.SaveData || n.EffectiveType == "2g" || n.EffectiveType == "slow-2g"
}

// EffectiveTypeForRTT buckets a round-trip time the way browsers do
func EffectiveTypeForRTT(rtt time.Duration) string {
	switch {
	case rtt <= 0:
		return "unknown"
	case rtt < 150*time.Millisecond:
		return "4g"
	case rtt < 400*time.Millisecond:
		return "3g"
	case rtt < 1400*time.Millisecond:
		return "2g"
	default:
		return "slow-2g"
	}
}

// Status is the payload of online/offline/network-changed events
type Status struct {
	Online  bool        `json:"online"`
	Info    NetworkInfo `json:"info"`
	Since   time.Time   `json:"since"`
	Polling bool        `json:"polling"`
}

// Prober checks whether the remote API is reachable
type Prober interface {
	Health(ctx context.Context) (time.Duration, error)
}

// Monitor tracks online state from health probes and reports from browser tabs.
// The online transition is the only automatic resume signal for the queues.
type Monitor struct {
	cfg    config.ConnectivityConfig
	prober Prober
	bus    events.Publisher
	clock  clock.Clock
	logger *logrus.Logger

	online atomic.Bool
	mu     sync.RWMutex
	info   NetworkInfo
	since  time.Time

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a connectivity monitor; prober may be nil when only tabs report state
func NewMonitor(cfg config.ConnectivityConfig, prober Prober, bus events.Publisher, clk clock.Clock, logger *logrus.Logger) *Monitor {
	if bus == nil {
		bus = events.Discard{}
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		cfg:    cfg,
		prober: prober,
		bus:    bus,
		clock:  clk,
		logger: logger,
		info:   NetworkInfo{EffectiveType: "unknown"},
		since:  clk.Now(),
	}
	m.online.Store(cfg.InitiallyOnline)
	return m
}

// IsOnline reports the current connectivity state
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// NetworkInfo returns the latest network characteristics
func (m *Monitor) NetworkInfo() NetworkInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Status returns a snapshot of the connectivity state
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{Online: m.online.Load(), Info: m.info, Since: m.since, Polling: m.running.Load()}
}

// SetOnline records a connectivity report; events fire only on transitions
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.mu.Lock()
	m.since = m.clock.Now()
	status := Status{Online: online, Info: m.info, Since: m.since}
	m.mu.Unlock()

	m.logger.WithField("online", online).Info("Connectivity changed")

	if online {
		m.bus.Publish(events.Online, "connectivity", status)
	} else {
		m.bus.Publish(events.Offline, "connectivity", status)
	}
}

// UpdateNetworkInfo records network characteristics reported by a tab or measured by a probe
func (m *Monitor) UpdateNetworkInfo(info NetworkInfo) {
	if info.EffectiveType == "" {
		info.EffectiveType = EffectiveTypeForRTT(info.RTT)
	}

	m.mu.Lock()
	changed := m.info != info
	m.info = info
	status := Status{Online: m.online.Load(), Info: info, Since: m.since}
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.NetworkChanged, "connectivity", status)
	}
}

// Probe runs one health check and updates the online state from it
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}

	timeout := m.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtt, err := m.prober.Health(probeCtx)
	if err != nil {
		m.logger.WithError(err).Debug("Health probe failed")
		m.SetOnline(false)
		return false
	}

	current := m.NetworkInfo()
	current.RTT = rtt
	current.EffectiveType = EffectiveTypeForRTT(rtt)
	m.UpdateNetworkInfo(current)
	m.SetOnline(true)
	return true
}

// Start begins periodic probing
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.cfg.ProbeInterval <= 0 || !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.Ticker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()

	m.logger.WithField("interval", m.cfg.ProbeInterval).Info("Connectivity monitor started")
}

// Stop halts periodic probing
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}
