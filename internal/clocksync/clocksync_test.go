package clocksync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestOffsetEstimation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cs := New(clock)

	// Server runs 10s ahead; symmetric 100ms round trip.
	clientSend := clock.Now()
	clientRecv := clientSend.Add(100 * time.Millisecond)
	serverTime := clientSend.Add(50 * time.Millisecond).Add(10 * time.Second)

	cs.AddSample(clientSend, serverTime, clientRecv)

	if got := cs.Offset(); got != 10*time.Second {
		t.Errorf("expected offset 10s, got %v", got)
	}
	if got := cs.Now(); !got.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("Now should be local time plus offset, got %v", got)
	}
}

func TestNowWithoutSamplesIsLocalClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cs := New(clock)

	if !cs.Now().Equal(clock.Now()) {
		t.Error("with no samples, Now should equal the raw local clock")
	}
	if cs.AverageLatency() != 0 {
		t.Error("with no samples, average latency should be zero")
	}
}

func TestResyncKeepsLatestOffset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cs := New(clock)

	base := clock.Now()
	cs.AddSample(base, base.Add(5*time.Second), base)
	cs.AddSample(base, base.Add(2*time.Second), base)

	if got := cs.Offset(); got != 2*time.Second {
		t.Errorf("expected latest offset 2s, got %v", got)
	}
}

func TestAverageLatencyWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cs := New(clock)
	base := clock.Now()

	// 15 samples with rtt 20ms; only the last 10 are retained.
	for i := 0; i < 15; i++ {
		cs.AddSample(base, base.Add(10*time.Millisecond), base.Add(20*time.Millisecond))
	}

	if got := cs.SampleCount(); got != maxSamples {
		t.Errorf("expected %d retained samples, got %d", maxSamples, got)
	}
	if got := cs.AverageLatency(); got != 10*time.Millisecond {
		t.Errorf("expected 10ms one-way latency, got %v", got)
	}
}

func TestNegativeRTTClamped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cs := New(clock)
	base := clock.Now()

	// Receive before send can happen with a stepped local clock.
	cs.AddSample(base, base.Add(time.Second), base.Add(-time.Second))

	if got := cs.AverageLatency(); got != 0 {
		t.Errorf("clamped rtt should yield zero latency, got %v", got)
	}
}
