package engine

import (
	"sync"
	"sync/atomic"
)

// Metrics tracks swap execution latency and lifecycle counters
type Metrics struct {
	// Latency samples (in milliseconds)
	samples   []int64
	sampleIdx int
	mu        sync.Mutex

	// Counters
	opensOK       atomic.Int64
	opensRejected atomic.Int64
	closesOK      atomic.Int64
	closesFailed  atomic.Int64
	verified      atomic.Int64
	noConsensus   atomic.Int64
	phantomsWiped atomic.Int64
	retriesSpent  atomic.Int64
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		samples: make([]int64, 100), // Keep last 100 samples
	}
}

// RecordSwapLatency records one swap pipeline duration
func (m *Metrics) RecordSwapLatency(latencyMs int64) {
	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = latencyMs
	m.sampleIdx++
	m.mu.Unlock()
}

func (m *Metrics) OpenOK()       { m.opensOK.Add(1) }
func (m *Metrics) OpenRejected() { m.opensRejected.Add(1) }
func (m *Metrics) CloseOK()      { m.closesOK.Add(1) }
func (m *Metrics) CloseFailed()  { m.closesFailed.Add(1) }
func (m *Metrics) Verified()     { m.verified.Add(1) }
func (m *Metrics) NoConsensus()  { m.noConsensus.Add(1) }
func (m *Metrics) PhantomWiped() { m.phantomsWiped.Add(1) }
func (m *Metrics) RetrySpent()   { m.retriesSpent.Add(1) }

// P50 returns the 50th percentile swap latency
func (m *Metrics) P50() int64 { return m.percentile(50) }

// P95 returns the 95th percentile swap latency
func (m *Metrics) P95() int64 { return m.percentile(95) }

// P99 returns the 99th percentile swap latency
func (m *Metrics) P99() int64 { return m.percentile(99) }

// Avg returns the average swap latency
func (m *Metrics) Avg() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.sampleIdx
	if count > len(m.samples) {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	var sum int64
	for i := 0; i < count; i++ {
		sum += m.samples[i]
	}
	return sum / int64(count)
}

func (m *Metrics) percentile(p int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.sampleIdx
	if count > len(m.samples) {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	// Copy and sort
	sorted := make([]int64, count)
	copy(sorted, m.samples[:count])

	// Simple bubble sort for small arrays
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	idx := (p * count) / 100
	if idx >= count {
		idx = count - 1
	}
	return sorted[idx]
}

// Stats returns aggregate lifecycle counters
func (m *Metrics) Stats() map[string]int64 {
	return map[string]int64{
		"opensOk":       m.opensOK.Load(),
		"opensRejected": m.opensRejected.Load(),
		"closesOk":      m.closesOK.Load(),
		"closesFailed":  m.closesFailed.Load(),
		"verified":      m.verified.Load(),
		"noConsensus":   m.noConsensus.Load(),
		"phantomsWiped": m.phantomsWiped.Load(),
		"retriesSpent":  m.retriesSpent.Load(),
		"swapP50Ms":     m.P50(),
		"swapP95Ms":     m.P95(),
		"swapP99Ms":     m.P99(),
	}
}
