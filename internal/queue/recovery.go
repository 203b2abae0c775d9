package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
)

// Reconciler restores queue state after an unclean stop. Items left in
// downloading go back to queued, then every ready queued item is submitted
// in priority order. Items scheduled for later are left to the Scheduler.
type Reconciler struct {
	Store *Store
	Bus   *events.Bus
	Now   func() time.Time
}

func (rc *Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now().UTC()
	}
	return time.Now().UTC()
}

// Reconcile runs both passes. Store errors are logged and skip the pass.
func (rc *Reconciler) Reconcile(ctx context.Context, sub Submitter) {
	interrupted, err := rc.Store.ListByStatus(ctx, model.StatusDownloading)
	if err != nil {
		log.Error().Err(err).Msg("recovery: list interrupted items")
	}
	for _, it := range interrupted {
		ok, err := rc.Store.ResetInterrupted(ctx, it.ID)
		if err != nil {
			log.Error().Err(err).Str("id", it.ID).Msg("recovery: reset item")
			continue
		}
		if !ok {
			continue
		}
		log.Info().Str("id", it.ID).Msg("recovery: reset interrupted download to queued")
		rc.Bus.Publish(events.StatusChange{ID: it.ID, Status: model.StatusQueued})
	}

	ready, err := rc.Store.ListReady(ctx, rc.now())
	if err != nil {
		log.Error().Err(err).Msg("recovery: list queued items")
		return
	}
	for _, it := range ready {
		sub.Submit(it.ID)
	}
	if len(interrupted) > 0 || len(ready) > 0 {
		log.Info().Int("reset", len(interrupted)).Int("submitted", len(ready)).Msg("recovery complete")
	}
}
