package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler periodically submits queued items whose scheduled time has come.
type Scheduler struct {
	Store  *Store
	Submit Submitter
	Every  time.Duration
	Now    func() time.Time
}

func (s *Scheduler) Start(ctx context.Context) {
	every := s.Every
	if every <= 0 {
		every = 60 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits every due item once. Submitting an item that is already
// running or finished is harmless.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	due, err := s.Store.ListScheduledDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: list due items")
		return 0
	}
	for _, it := range due {
		log.Info().Str("id", it.ID).Msg("scheduler: submitting scheduled item")
		s.Submit.Submit(it.ID)
	}
	return len(due)
}
