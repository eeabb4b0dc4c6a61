package reaper

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/session"
)

// Reaper periodically sweeps the session manager for participants that have
// missed heartbeats and for sessions idle beyond their TTL. Eviction is a
// scheduled, expected outcome, not an error path.
type Reaper struct {
	manager  *session.Manager
	clock    clockwork.Clock
	interval time.Duration
}

// New creates a reaper sweeping at the given interval (default 30s).
func New(manager *session.Manager, clock clockwork.Clock, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		manager:  manager,
		clock:    clock,
		interval: interval,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("staleness reaper started")

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("staleness reaper stopped")
			return
		case <-ticker.Chan():
			result := r.manager.SweepStale()
			if result.EvictedParticipants > 0 || result.RemovedSessions > 0 {
				log.Info().
					Int("evicted_participants", result.EvictedParticipants).
					Int("removed_sessions", result.RemovedSessions).
					Msg("staleness sweep completed")
			}
		}
	}
}
