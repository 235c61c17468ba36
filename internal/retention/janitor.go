// Package retention runs the background garbage collection sweep over
// unclaimed, expired pairing codes.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/store"
)

// Janitor periodically purges expired EntryKeys from StateStore so an
// unclaimed pairing code cannot be reused past its TTL.
type Janitor struct {
	store    store.Store
	interval time.Duration
}

// NewJanitor creates a janitor that runs on the given interval. Intervals
// under a minute are raised to one hour — this is a low-urgency sweep,
// not a hot path.
func NewJanitor(s store.Store, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{store: s, interval: interval}
}

// Start runs the janitor loop on the calling goroutine. It blocks until ctx
// is canceled, so callers typically invoke it with `go janitor.Start(ctx)`.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("entry key janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("entry key janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	removed, err := j.store.DeleteExpiredEntryKeys(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("entry key janitor: sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("entry key janitor: purged expired codes")
	}
}
