// Package retention purges expired sessions and their hop chains. The
// in-memory store sweeps itself; the janitor covers stores that do not
// (Postgres), running as a background goroutine that respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/store"
)

// sweepBatch caps the sessions examined per cycle.
const sweepBatch = 1000

// Janitor deletes sessions older than the retention TTL on an interval.
type Janitor struct {
	store    store.Store
	interval time.Duration
	ttl      time.Duration
}

func NewJanitor(s store.Store, interval, ttl time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Janitor{store: s, interval: interval, ttl: ttl}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", j.interval).
		Dur("ttl", j.ttl).
		Msg("🧹 Retention janitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			purged, err := j.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Retention sweep failed")
				continue
			}
			if purged > 0 {
				log.Info().Int("sessions", purged).Msg("🧹 Expired sessions purged")
			}
		}
	}
}

// Sweep deletes every session whose last update is older than the TTL,
// along with its hops, and reports how many were removed. Individual
// delete failures do not abort the cycle.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	sessions, err := j.store.ListSessions(ctx, "", sweepBatch)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-j.ttl)
	purged := 0
	for i := range sessions {
		s := &sessions[i]
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.store.DeleteSession(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("Failed to purge session")
			continue
		}
		purged++
	}
	return purged, nil
}
