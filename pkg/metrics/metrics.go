// Package metrics provides operational metrics for the gatekeeper proxy.
// This package tracks session, filter, dial and relay metrics for
// observability and monitoring.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics provides a comprehensive metrics collection for the proxy
type Metrics struct {
	// Session metrics
	SessionsAccepted  *Counter
	SessionsCompleted *Counter
	ActiveSessions    *Gauge
	HandshakeFailures *Counter

	// Filter metrics
	Requests     *Counter
	VerdictAllow *Counter
	VerdictDeny  *Counter

	// Dial metrics
	DialSuccess  *Counter
	DialFailures *Counter
	DialTime     *Histogram

	// Relay metrics
	BytesClientToUpstream *Counter
	BytesUpstreamToClient *Counter
	RelayFaults           *Counter

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance
func New() *Metrics {
	return &Metrics{
		SessionsAccepted:  NewCounter(),
		SessionsCompleted: NewCounter(),
		ActiveSessions:    NewGauge(),
		HandshakeFailures: NewCounter(),

		Requests:     NewCounter(),
		VerdictAllow: NewCounter(),
		VerdictDeny:  NewCounter(),

		DialSuccess:  NewCounter(),
		DialFailures: NewCounter(),
		DialTime:     NewHistogram(),

		BytesClientToUpstream: NewCounter(),
		BytesUpstreamToClient: NewCounter(),
		RelayFaults:           NewCounter(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

// RecordSessionStart records an accepted client connection
func (m *Metrics) RecordSessionStart() {
	m.SessionsAccepted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnd records a finished session
func (m *Metrics) RecordSessionEnd() {
	m.SessionsCompleted.Inc()
	m.ActiveSessions.Dec()
}

// RecordVerdict records a filter decision for a request
func (m *Metrics) RecordVerdict(allowed bool) {
	m.Requests.Inc()
	if allowed {
		m.VerdictAllow.Inc()
	} else {
		m.VerdictDeny.Inc()
	}
}

// RecordDial records an upstream dial attempt and its duration
func (m *Metrics) RecordDial(success bool, duration time.Duration) {
	if success {
		m.DialSuccess.Inc()
	} else {
		m.DialFailures.Inc()
	}
	m.DialTime.Observe(duration)
}

// RecordRelay records a finished relay's byte counts and outcome
func (m *Metrics) RecordRelay(clientToUpstream, upstreamToClient int64, faulted bool) {
	m.BytesClientToUpstream.Add(clientToUpstream)
	m.BytesUpstreamToClient.Add(upstreamToClient)
	if faulted {
		m.RelayFaults.Inc()
	}
}

// UpdateUptime updates the uptime metric
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		SessionsAccepted:  m.SessionsAccepted.Value(),
		SessionsCompleted: m.SessionsCompleted.Value(),
		ActiveSessions:    m.ActiveSessions.Value(),
		HandshakeFailures: m.HandshakeFailures.Value(),

		Requests:     m.Requests.Value(),
		VerdictAllow: m.VerdictAllow.Value(),
		VerdictDeny:  m.VerdictDeny.Value(),

		DialSuccess:  m.DialSuccess.Value(),
		DialFailures: m.DialFailures.Value(),
		DialTimeAvg:  m.DialTime.Mean(),
		DialTimeP95:  m.DialTime.Percentile(0.95),

		BytesClientToUpstream: m.BytesClientToUpstream.Value(),
		BytesUpstreamToClient: m.BytesUpstreamToClient.Value(),
		RelayFaults:           m.RelayFaults.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	// Session metrics
	SessionsAccepted  int64
	SessionsCompleted int64
	ActiveSessions    int64
	HandshakeFailures int64

	// Filter metrics
	Requests     int64
	VerdictAllow int64
	VerdictDeny  int64

	// Dial metrics
	DialSuccess  int64
	DialFailures int64
	DialTimeAvg  time.Duration
	DialTimeP95  time.Duration

	// Relay metrics
	BytesClientToUpstream int64
	BytesUpstreamToClient int64
	RelayFaults           int64

	// System metrics
	UptimeSeconds int64
}

// Counter is a monotonically increasing counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks distribution of durations
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Keep last 1000 observations to prevent unbounded memory growth
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0)
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
