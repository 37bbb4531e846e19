package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

// unhealthyThreshold is the number of consecutive failed probes before an
// instance is marked unhealthy and restarted.
const unhealthyThreshold = 3

// HealthConfig tunes the background health monitor.
type HealthConfig struct {
	// Interval between probe sweeps.
	Interval time.Duration
	// ProbeTimeout bounds a single HealthCheck call.
	ProbeTimeout time.Duration
}

// DefaultHealthConfig returns production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// healthMonitor periodically probes every instance whose agent implements
// HealthChecker. One failed probe marks the instance degraded; three
// consecutive failures mark it unhealthy and trigger exactly one restart
// for that episode. A successful probe resets the counter.
type healthMonitor struct {
	registry *Registry
	config   HealthConfig
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	running bool
}

func newHealthMonitor(registry *Registry, config HealthConfig, logger *slog.Logger) *healthMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultHealthConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultHealthConfig().ProbeTimeout
	}
	return &healthMonitor{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (m *healthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop(m.stop, m.stopped)
}

// Stop halts the probe loop and waits for it to exit.
func (m *healthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, stopped := m.stop, m.stopped
	m.mu.Unlock()

	close(stop)
	<-stopped
}

func (m *healthMonitor) loop(stop, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-stop:
			return
		}
	}
}

// Sweep probes every instance once. Exported through the registry for
// tests and for on-demand health endpoints.
func (m *healthMonitor) Sweep(ctx context.Context) {
	m.registry.mu.RLock()
	instances := make([]*instance, 0, len(m.registry.instances))
	for _, in := range m.registry.instances {
		instances = append(instances, in)
	}
	m.registry.mu.RUnlock()

	for _, in := range instances {
		m.probe(ctx, in)
	}
}

func (m *healthMonitor) probe(ctx context.Context, in *instance) {
	hc := in.healthChecker()
	if hc == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := hc.HealthCheck(probeCtx)
	cancel()

	if err == nil {
		in.mu.Lock()
		in.probeFailures = 0
		in.restartFired = false
		in.health = schema.HealthHealthy
		in.mu.Unlock()
		return
	}

	in.mu.Lock()
	in.probeFailures++
	failures := in.probeFailures
	if failures >= unhealthyThreshold {
		in.health = schema.HealthUnhealthy
	} else {
		in.health = schema.HealthDegraded
	}
	shouldRestart := failures >= unhealthyThreshold && !in.restartFired
	if shouldRestart {
		in.restartFired = true
	}
	in.mu.Unlock()

	m.logger.Warn("agent health probe failed",
		slog.String("agent", in.name),
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()))

	if shouldRestart {
		if rerr := m.registry.restartInstance(in); rerr != nil {
			m.logger.Error("agent restart failed",
				slog.String("agent", in.name), slog.String("error", rerr.Error()))
		}
	}
}

// SweepHealth runs one probe sweep immediately. Intended for tests and
// readiness checks where waiting for the ticker is undesirable.
func (r *Registry) SweepHealth(ctx context.Context) {
	r.monitor.Sweep(ctx)
}
