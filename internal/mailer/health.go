package mailer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/campaign-engine/pkg/logger"
)

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64, at time.Time) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(at.Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordFailure(at time.Time) int32 {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.LastErrorTime.Store(at.Unix())
	return m.ConsecutiveFails.Add(1)
}

// RecordRejection counts a request the provider answered but refused. It
// breaks a run of consecutive failures.
func (m *ProviderMetrics) RecordRejection(at time.Time) {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Store(0)
	m.LastErrorTime.Store(at.Unix())
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// circuit opens after threshold consecutive provider faults and stays open
// for timeout. Sends arriving meanwhile wait it out; the first one after that
// is let through as a probe.
type circuit struct {
	threshold int32
	timeout   time.Duration
	openUntil atomic.Int64
}

func (c *circuit) allow(now time.Time) bool {
	return now.UnixNano() >= c.openUntil.Load()
}

func (c *circuit) remaining(now time.Time) time.Duration {
	return time.Duration(c.openUntil.Load() - now.UnixNano())
}

func (c *circuit) onFailure(consecutive int32, now time.Time) {
	if c.threshold <= 0 || consecutive < c.threshold {
		return
	}
	c.openUntil.Store(now.Add(c.timeout).UnixNano())
	logger.Warn("[mailer] circuit breaker opened", "consecutive_fails", consecutive, "timeout", c.timeout)
}

func (c *circuit) state(now time.Time) string {
	if c.allow(now) {
		return "closed"
	}
	return "open"
}

type ProviderStats struct {
	State            string  `json:"state"`
	TotalRequests    int64   `json:"total_requests"`
	SuccessfulReqs   int64   `json:"successful_requests"`
	FailedReqs       int64   `json:"failed_requests"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     int64   `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}
