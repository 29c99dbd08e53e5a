package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects pipeline counters: session outcomes, failure kinds and
// per-kind generation call durations.
type Metrics struct {
	mu sync.Mutex

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64

	failuresByKind map[string]int64
	jobMetrics     map[string]*JobMetrics
}

// JobMetrics aggregates generation calls of one job kind.
type JobMetrics struct {
	callCount     atomic.Int64
	errorCount    atomic.Int64
	totalDuration atomic.Int64 // milliseconds
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		failuresByKind: make(map[string]int64),
		jobMetrics:     make(map[string]*JobMetrics),
	}
}

var globalMetrics = NewMetrics()

// GlobalMetrics returns the process-wide metrics instance.
func GlobalMetrics() *Metrics {
	return globalMetrics
}

// RecordSessionStarted counts a new pipeline session.
func (m *Metrics) RecordSessionStarted() {
	m.sessionsStarted.Add(1)
}

// RecordSessionCompleted counts a session reaching Completed.
func (m *Metrics) RecordSessionCompleted() {
	m.sessionsCompleted.Add(1)
}

// RecordSessionFailed counts a failed session by failure kind.
func (m *Metrics) RecordSessionFailed(kind string) {
	m.sessionsFailed.Add(1)
	m.mu.Lock()
	m.failuresByKind[kind]++
	m.mu.Unlock()
}

// RecordJobCall records one generation backend call of the given job kind.
func (m *Metrics) RecordJobCall(kind string, duration time.Duration, failed bool) {
	jm := m.getJobMetrics(kind)
	jm.callCount.Add(1)
	jm.totalDuration.Add(duration.Milliseconds())
	if failed {
		jm.errorCount.Add(1)
	}
}

func (m *Metrics) getJobMetrics(kind string) *JobMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	jm, ok := m.jobMetrics[kind]
	if !ok {
		jm = &JobMetrics{}
		m.jobMetrics[kind] = jm
	}
	return jm
}

// Reset clears all metrics. Test hook.
func (m *Metrics) Reset() {
	m.sessionsStarted.Store(0)
	m.sessionsCompleted.Store(0)
	m.sessionsFailed.Store(0)
	m.mu.Lock()
	m.failuresByKind = make(map[string]int64)
	m.jobMetrics = make(map[string]*JobMetrics)
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]int64, len(m.failuresByKind))
	for kind, count := range m.failuresByKind {
		failures[kind] = count
	}

	jobs := make(map[string]*JobMetricsSnapshot, len(m.jobMetrics))
	for kind, jm := range m.jobMetrics {
		snapshot := &JobMetricsSnapshot{
			CallCount:     jm.callCount.Load(),
			ErrorCount:    jm.errorCount.Load(),
			TotalDuration: jm.totalDuration.Load(),
		}
		if snapshot.CallCount > 0 {
			snapshot.AverageDuration = snapshot.TotalDuration / snapshot.CallCount
		}
		jobs[kind] = snapshot
	}

	return &MetricsSnapshot{
		SessionsStarted:   m.sessionsStarted.Load(),
		SessionsCompleted: m.sessionsCompleted.Load(),
		SessionsFailed:    m.sessionsFailed.Load(),
		FailuresByKind:    failures,
		Jobs:              jobs,
	}
}

// MetricsSnapshot is a point-in-time view of the pipeline counters.
type MetricsSnapshot struct {
	SessionsStarted   int64                          `json:"sessionsStarted"`
	SessionsCompleted int64                          `json:"sessionsCompleted"`
	SessionsFailed    int64                          `json:"sessionsFailed"`
	FailuresByKind    map[string]int64               `json:"failuresByKind"`
	Jobs              map[string]*JobMetricsSnapshot `json:"jobs"`
}

// JobMetricsSnapshot aggregates one job kind's backend calls.
type JobMetricsSnapshot struct {
	CallCount       int64 `json:"callCount"`
	ErrorCount      int64 `json:"errorCount"`
	TotalDuration   int64 `json:"totalDurationMs"`
	AverageDuration int64 `json:"averageDurationMs"`
}

// SuccessRate returns the share of terminal sessions that completed, as a
// percentage.
func (s *MetricsSnapshot) SuccessRate() float64 {
	terminal := s.SessionsCompleted + s.SessionsFailed
	if terminal == 0 {
		return 100.0
	}
	return float64(s.SessionsCompleted) / float64(terminal) * 100.0
}
