package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
)

// RetryLimit returns the retry ceiling in effect when a job starts.
type RetryLimit interface {
	MaxRetries(ctx context.Context) int
}

// StaticRetries is a RetryLimit with a fixed value.
type StaticRetries int

func (n StaticRetries) MaxRetries(context.Context) int { return int(n) }

// Runner drives one item through its download attempts.
type Runner struct {
	Store      *Store
	Bus        *events.Bus
	Downloader Downloader
	Retries    RetryLimit
	OutputDir  string
	// BackoffUnit scales the delay before retry n, which is 2^n units.
	BackoffUnit time.Duration
	// HeartbeatEvery is the interval of elapsed-time progress events while
	// an attempt is running.
	HeartbeatEvery time.Duration
	Now            func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) backoff(attempt int) time.Duration {
	unit := r.BackoffUnit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Duration(math.Pow(2, float64(attempt))) * unit
}

func (r *Runner) maxRetries(ctx context.Context) int {
	if r.Retries == nil {
		return 0
	}
	return max(r.Retries.MaxRetries(ctx), 0)
}

// Run executes item id until it is done, failed or cancelled. It returns
// early without touching the item when ctx is cancelled; the reconciler
// picks the item up again on the next start.
func (r *Runner) Run(ctx context.Context, id string) {
	logger := log.With().Str("id", id).Logger()

	it, err := r.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn().Msg("queue item not found, skipping")
			return
		}
		logger.Error().Err(err).Msg("load queue item")
		return
	}
	if it.Status == model.StatusCancelled {
		logger.Info().Msg("item was cancelled before download started")
		return
	}
	claimed, err := r.Store.Claim(ctx, id, r.now())
	if err != nil {
		logger.Error().Err(err).Msg("mark downloading")
		return
	}
	if !claimed {
		logger.Debug().Str("status", it.Status.String()).Msg("item not eligible, skipping")
		return
	}
	r.Bus.Publish(events.StatusChange{ID: id, Status: model.StatusDownloading})
	logger.Info().Str("source", it.Source).Msg("download started")

	maxRetries := r.maxRetries(ctx)
	req := requestFor(it, r.OutputDir)
	req.Cancelled = func() bool { return r.isCancelled(ctx, id) }

	attempt := 0
	var output string
	for {
		output, err = r.attempt(ctx, id, req)
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown during download; item left for recovery")
			return
		}
		if err == nil {
			break
		}
		if r.isCancelled(ctx, id) {
			logger.Info().Err(err).Msg("attempt ended after cancellation")
			return
		}
		if attempt >= maxRetries {
			break
		}
		attempt++
		delay := r.backoff(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Int("max_retries", maxRetries).
			Dur("delay", delay).Msg("download attempt failed, retrying")
		msg := fmt.Sprintf("Attempt %d/%d failed: %v. Retrying in %s…", attempt, maxRetries, err, delay)
		if _, werr := r.Store.SetError(ctx, id, &msg); werr != nil {
			logger.Error().Err(werr).Msg("persist retry error")
		}
		r.Bus.Publish(events.Error{ID: id, Message: msg})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("shutdown during backoff; item left for recovery")
			return
		case <-timer.C:
		}

		if _, werr := r.Store.SetError(ctx, id, nil); werr != nil {
			logger.Error().Err(werr).Msg("clear retry error")
		}
		if r.isCancelled(ctx, id) {
			logger.Info().Msg("item cancelled during backoff")
			return
		}
		r.Bus.Publish(events.StatusChange{ID: id, Status: model.StatusDownloading})
	}

	if err == nil {
		r.finishSuccess(ctx, id, output)
		return
	}
	r.finishFailure(ctx, id, err, maxRetries)
}

// attempt runs one downloader invocation with its heartbeat and progress sink.
func (r *Runner) attempt(ctx context.Context, id string, req Request) (string, error) {
	sink := newProgressSink(func(u model.ProgressUpdate) { r.applyProgress(ctx, id, u) })
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, id)

	output, err := r.download(ctx, req, sink.Report)

	stopHeartbeat()
	sink.Close()
	return output, err
}

func (r *Runner) download(ctx context.Context, req Request, onProgress func(model.ProgressUpdate)) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("downloader panic: %v", rec)
		}
	}()
	return r.Downloader.Download(ctx, req, onProgress)
}

func (r *Runner) applyProgress(ctx context.Context, id string, u model.ProgressUpdate) {
	ok, err := r.Store.UpdateProgress(ctx, id, u.Percent, u.Speed, u.ETA)
	if err != nil {
		log.Debug().Err(err).Str("id", id).Msg("persist progress")
	}
	if !ok && err == nil {
		return
	}
	ev := events.Progress{ID: id, Progress: u.Percent}
	if u.Speed != "" {
		speed := u.Speed
		ev.Speed = &speed
	}
	if u.ETA != "" {
		eta := u.ETA
		ev.ETA = &eta
	}
	r.Bus.Publish(ev)
}

func (r *Runner) heartbeat(ctx context.Context, id string) {
	every := r.HeartbeatEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	start := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			log.Info().Str("id", id).Dur("elapsed", elapsed).Msg("download in progress")
			eta := fmt.Sprintf("%dm elapsed", int(elapsed.Minutes()))
			r.Bus.Publish(events.Progress{ID: id, Progress: 0, ETA: &eta})
		}
	}
}

func (r *Runner) isCancelled(ctx context.Context, id string) bool {
	it, err := r.Store.Get(ctx, id)
	if err != nil {
		return errors.Is(err, ErrNotFound)
	}
	return it.Status != model.StatusDownloading
}

func (r *Runner) finishSuccess(ctx context.Context, id, output string) {
	logger := log.With().Str("id", id).Logger()
	if r.isCancelled(ctx, id) {
		r.discard(id, output)
		return
	}
	ok, err := r.Store.MarkDone(ctx, id, output, r.now())
	if err != nil {
		logger.Error().Err(err).Msg("mark done")
		return
	}
	if !ok {
		// Cancelled between the check and the update.
		r.discard(id, output)
		return
	}
	logger.Info().Str("output", output).Msg("download complete")
	r.Bus.Publish(events.StatusChange{ID: id, Status: model.StatusDone})
}

func (r *Runner) discard(id, output string) {
	logger := log.With().Str("id", id).Logger()
	logger.Info().Msg("download finished after cancellation; discarding output")
	if output == "" {
		return
	}
	if !filepath.IsAbs(output) && r.OutputDir != "" {
		output = filepath.Join(r.OutputDir, output)
	}
	if err := removeArtifact(r.OutputDir, output); err != nil {
		logger.Warn().Err(err).Str("output", output).Msg("could not delete cancelled download")
	}
}

func (r *Runner) finishFailure(ctx context.Context, id string, cause error, maxRetries int) {
	logger := log.With().Str("id", id).Logger()
	msg := cause.Error()
	ok, err := r.Store.MarkFailed(ctx, id, msg, r.now())
	if err != nil {
		logger.Error().Err(err).Msg("mark failed")
		return
	}
	if !ok {
		logger.Info().Msg("download failed after cancellation")
		return
	}
	logger.Error().Err(cause).Int("max_retries", maxRetries).Msg("download failed")
	r.Bus.Publish(events.Error{ID: id, Message: msg})
	r.Bus.Publish(events.StatusChange{ID: id, Status: model.StatusFailed})
}
