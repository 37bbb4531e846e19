package agent

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// metricsWindow is the rolling window used for success rate and average
// latency. Latency percentiles come from the full-history histogram.
const metricsWindow = 5 * time.Minute

// MetricsSnapshot is an immutable view of an instance's task metrics.
type MetricsSnapshot struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	Timeouts       int64   `json:"timeouts"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
}

type sample struct {
	at      time.Time
	latency time.Duration
	ok      bool
}

// instanceMetrics accumulates per-instance task outcomes. Latencies are
// recorded in an HDR histogram (1ms..1h, 3 significant figures) plus a
// time-windowed sample list for the rolling aggregates.
type instanceMetrics struct {
	mu             sync.Mutex
	hist           *hdrhistogram.Histogram
	tasksCompleted int64
	tasksFailed    int64
	timeouts       int64
	samples        []sample
}

func newInstanceMetrics() *instanceMetrics {
	return &instanceMetrics{
		hist: hdrhistogram.New(1, time.Hour.Milliseconds(), 3),
	}
}

func (m *instanceMetrics) recordSuccess(latency time.Duration) {
	m.record(latency, true, false)
}

func (m *instanceMetrics) recordFailure(latency time.Duration, timedOut bool) {
	m.record(latency, false, timedOut)
}

func (m *instanceMetrics) record(latency time.Duration, ok, timedOut bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.tasksCompleted++
	} else {
		m.tasksFailed++
		if timedOut {
			m.timeouts++
		}
	}

	ms := latency.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	_ = m.hist.RecordValue(ms) // only fails outside [1, 1h]; clamped above

	now := time.Now()
	m.samples = append(m.samples, sample{at: now, latency: latency, ok: ok})
	m.prune(now)
}

// prune drops samples older than the rolling window. Caller holds mu.
func (m *instanceMetrics) prune(now time.Time) {
	cutoff := now.Add(-metricsWindow)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// Snapshot returns a copy of the current metrics. Success rate and
// average latency cover only the rolling window.
func (m *instanceMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(time.Now())

	snap := MetricsSnapshot{
		TasksCompleted: m.tasksCompleted,
		TasksFailed:    m.tasksFailed,
		Timeouts:       m.timeouts,
		P50LatencyMs:   float64(m.hist.ValueAtQuantile(50)),
		P95LatencyMs:   float64(m.hist.ValueAtQuantile(95)),
		P99LatencyMs:   float64(m.hist.ValueAtQuantile(99)),
	}

	if len(m.samples) > 0 {
		var okCount int
		var total time.Duration
		for _, s := range m.samples {
			if s.ok {
				okCount++
			}
			total += s.latency
		}
		snap.SuccessRate = float64(okCount) / float64(len(m.samples))
		snap.AvgLatencyMs = float64(total.Milliseconds()) / float64(len(m.samples))
	}

	return snap
}
