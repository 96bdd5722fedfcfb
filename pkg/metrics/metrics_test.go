package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	// Check all metrics are initialized
	if m.SessionsAccepted == nil {
		t.Error("SessionsAccepted not initialized")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions not initialized")
	}
	if m.DialTime == nil {
		t.Error("DialTime not initialized")
	}
}

func TestCounter(t *testing.T) {
	c := NewCounter()

	if c.Value() != 0 {
		t.Errorf("initial value = %d, want 0", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("after Inc() = %d, want 1", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("after Add(5) = %d, want 6", c.Value())
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter()
	const goroutines = 100
	const increments = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				c.Inc()
			}
		}()
	}

	wg.Wait()

	expected := int64(goroutines * increments)
	if c.Value() != expected {
		t.Errorf("concurrent increments = %d, want %d", c.Value(), expected)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge()

	if g.Value() != 0 {
		t.Errorf("initial value = %d, want 0", g.Value())
	}

	g.Set(42)
	if g.Value() != 42 {
		t.Errorf("after Set(42) = %d, want 42", g.Value())
	}

	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 43 {
		t.Errorf("after Inc/Inc/Dec = %d, want 43", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram()

	if h.Mean() != 0 || h.Percentile(0.95) != 0 {
		t.Error("empty histogram should report zero")
	}

	for i := 1; i <= 100; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}

	if h.Count() != 100 {
		t.Errorf("Count() = %d, want 100", h.Count())
	}
	mean := h.Mean()
	if mean < 50*time.Millisecond || mean > 51*time.Millisecond {
		t.Errorf("Mean() = %v, want ~50.5ms", mean)
	}
	p95 := h.Percentile(0.95)
	if p95 < 90*time.Millisecond || p95 > 100*time.Millisecond {
		t.Errorf("Percentile(0.95) = %v, want in [90ms, 100ms]", p95)
	}
}

func TestHistogramBounded(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 2000; i++ {
		h.Observe(time.Millisecond)
	}
	if h.Count() != 1000 {
		t.Errorf("Count() = %d, want capped at 1000", h.Count())
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	m := New()

	m.RecordSessionStart()
	m.RecordSessionStart()
	if m.ActiveSessions.Value() != 2 {
		t.Errorf("ActiveSessions = %d, want 2", m.ActiveSessions.Value())
	}

	m.RecordSessionEnd()
	if m.ActiveSessions.Value() != 1 {
		t.Errorf("ActiveSessions = %d, want 1", m.ActiveSessions.Value())
	}
	if m.SessionsAccepted.Value() != 2 || m.SessionsCompleted.Value() != 1 {
		t.Error("session counters not recorded")
	}
}

func TestRecordVerdict(t *testing.T) {
	m := New()
	m.RecordVerdict(true)
	m.RecordVerdict(true)
	m.RecordVerdict(false)

	if m.Requests.Value() != 3 {
		t.Errorf("Requests = %d, want 3", m.Requests.Value())
	}
	if m.VerdictAllow.Value() != 2 || m.VerdictDeny.Value() != 1 {
		t.Errorf("verdicts = %d/%d, want 2/1", m.VerdictAllow.Value(), m.VerdictDeny.Value())
	}
}

func TestRecordDial(t *testing.T) {
	m := New()
	m.RecordDial(true, 10*time.Millisecond)
	m.RecordDial(false, 20*time.Millisecond)

	if m.DialSuccess.Value() != 1 || m.DialFailures.Value() != 1 {
		t.Error("dial counters not recorded")
	}
	if m.DialTime.Count() != 2 {
		t.Errorf("DialTime observations = %d, want 2", m.DialTime.Count())
	}
}

func TestRecordRelay(t *testing.T) {
	m := New()
	m.RecordRelay(100, 200, false)
	m.RecordRelay(10, 20, true)

	if m.BytesClientToUpstream.Value() != 110 || m.BytesUpstreamToClient.Value() != 220 {
		t.Error("relay byte counters not recorded")
	}
	if m.RelayFaults.Value() != 1 {
		t.Errorf("RelayFaults = %d, want 1", m.RelayFaults.Value())
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.RecordSessionStart()
	m.RecordVerdict(true)
	m.RecordDial(true, 5*time.Millisecond)
	m.RecordRelay(42, 24, false)

	snap := m.Snapshot()
	if snap.SessionsAccepted != 1 || snap.ActiveSessions != 1 {
		t.Error("session metrics missing from snapshot")
	}
	if snap.VerdictAllow != 1 || snap.DialSuccess != 1 {
		t.Error("verdict/dial metrics missing from snapshot")
	}
	if snap.BytesClientToUpstream != 42 || snap.BytesUpstreamToClient != 24 {
		t.Error("relay metrics missing from snapshot")
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should not be negative")
	}
}
