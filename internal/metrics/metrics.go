package metrics

import (
	"sync"
)

// Metrics tracks queue and dispatcher counters for one process
type Metrics struct {
	mu sync.RWMutex

	pushedJobs    int64
	completedJobs int64
	retriedJobs   int64
	deadJobs      int64
	ackErrors     int64
	inFlight      int64
	peakInFlight  int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementPushedJobs increments the pushed jobs counter
func (m *Metrics) IncrementPushedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushedJobs++
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
}

// IncrementRetriedJobs increments the counter of failures that were rescheduled
func (m *Metrics) IncrementRetriedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriedJobs++
}

// IncrementDeadJobs increments the dead-lettered jobs counter
func (m *Metrics) IncrementDeadJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadJobs++
}

// IncrementAckErrors counts delete/fail calls that did not reach the store
func (m *Metrics) IncrementAckErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackErrors++
}

// ClaimStarted records n jobs claimed by this process and not yet acknowledged
func (m *Metrics) ClaimStarted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight += int64(n)
	if m.inFlight > m.peakInFlight {
		m.peakInFlight = m.inFlight
	}
}

// ClaimFinished records n claimed jobs as acknowledged or abandoned
func (m *Metrics) ClaimFinished(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight -= int64(n)
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"pushed_jobs":    m.pushedJobs,
		"completed_jobs": m.completedJobs,
		"retried_jobs":   m.retriedJobs,
		"dead_jobs":      m.deadJobs,
		"ack_errors":     m.ackErrors,
		"in_flight":      m.inFlight,
		"peak_in_flight": m.peakInFlight,
	}
}
