package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// maxSamples bounds the latency window used for the rolling average.
const maxSamples = 10

// ClockSync estimates a shared logical server clock from round-trip probes.
// Until the first sample arrives the offset is zero and Now() degrades to
// the raw local clock.
type ClockSync struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	offset  time.Duration
	samples []time.Duration
}

// New returns a ClockSync reading local time from the given clock.
func New(clock clockwork.Clock) *ClockSync {
	return &ClockSync{clock: clock}
}

// AddSample records one time-sync round trip: the client's send time, the
// server timestamp echoed in the response, and the client's receive time.
// The offset uses the standard NTP midpoint estimator,
//
//	offset = serverTime - clientRecv + rtt/2
//
// which places the server timestamp halfway through the round trip.
// Repeated calls keep the latest offset.
func (c *ClockSync) AddSample(clientSend, serverTime, clientRecv time.Time) {
	rtt := clientRecv.Sub(clientSend)
	if rtt < 0 {
		rtt = 0
	}
	offset := serverTime.Sub(clientRecv) + rtt/2

	c.mu.Lock()
	c.offset = offset
	c.samples = append(c.samples, rtt)
	if len(c.samples) > maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples:]
	}
	c.mu.Unlock()

	log.Debug().
		Dur("rtt", rtt).
		Dur("offset", offset).
		Msg("clock sync sample recorded")
}

// Now returns the current logical server time.
func (c *ClockSync) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.clock.Now().Add(offset)
}

// NowMillis returns the logical server time as wire-format milliseconds.
func (c *ClockSync) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// Offset returns the current offset estimate.
func (c *ClockSync) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// AverageLatency is the mean one-way latency estimate over the sample
// window, used for diagnostics and schedule-ahead decisions. Zero when no
// samples have been recorded.
func (c *ClockSync) AverageLatency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, rtt := range c.samples {
		total += rtt
	}
	return total / time.Duration(len(c.samples)) / 2
}

// SampleCount reports how many round trips are in the window.
func (c *ClockSync) SampleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}
