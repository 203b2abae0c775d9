package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
	"github.com/Witriol/tapedeck/internal/settings"
)

func alwaysFail(context.Context, int, Request, func(model.ProgressUpdate)) (string, error) {
	return "", errors.New("exit status 1")
}

func TestRunnerStopsAfterMaxRetries(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(events.DefaultBuffer)
	dl := &scriptedDownloader{fn: alwaysFail}
	r := newTestRunner(t, store, bus, dl, 3)
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	assert.Equal(t, 4, dl.Calls())
	got, err := store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "exit status 1", *got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestRunnerZeroRetriesRunsOnce(t *testing.T) {
	store := newTestStore(t)
	dl := &scriptedDownloader{fn: alwaysFail}
	r := newTestRunner(t, store, events.NewBus(0), dl, 0)
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	assert.Equal(t, 1, dl.Calls())
}

func TestRunnerBackoffDoubles(t *testing.T) {
	store := newTestStore(t)
	dl := &scriptedDownloader{fn: alwaysFail}
	r := newTestRunner(t, store, events.NewBus(0), dl, 3)
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	starts := dl.Starts()
	require.Len(t, starts, 4)
	for n := 1; n <= 3; n++ {
		gap := starts[n].Sub(starts[n-1])
		want := time.Duration(1<<n) * testUnit
		assert.GreaterOrEqual(t, gap, want, "delay before attempt %d", n+1)
	}
}

func TestRunnerRetryMessages(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(events.DefaultBuffer)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	dl := &scriptedDownloader{fn: alwaysFail}
	r := newTestRunner(t, store, bus, dl, 2)
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	evs := eventsFor(t, sub, it.ID, isTerminal, time.Second)
	var msgs []string
	for _, ev := range evs {
		if e, ok := ev.(events.Error); ok {
			msgs = append(msgs, e.Message)
		}
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, fmt.Sprintf("Attempt 1/2 failed: exit status 1. Retrying in %s…", 2*testUnit), msgs[0])
	assert.Equal(t, fmt.Sprintf("Attempt 2/2 failed: exit status 1. Retrying in %s…", 4*testUnit), msgs[1])
	assert.Equal(t, "exit status 1", msgs[2])
	assert.Equal(t, []model.Status{
		model.StatusDownloading, model.StatusDownloading, model.StatusDownloading, model.StatusFailed,
	}, statusChanges(evs))
}

func TestRunnerSkipsCancelledItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dl := &scriptedDownloader{}
	r := newTestRunner(t, store, events.NewBus(0), dl, 3)
	it := insertItem(t, store, "p1", nil)
	_, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	_, err = store.MarkCancelled(ctx, it.ID, time.Now())
	require.NoError(t, err)

	r.Run(ctx, it.ID)

	assert.Equal(t, 0, dl.Calls())
	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestRunnerSkipsItemsNotQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dl := &scriptedDownloader{}
	r := newTestRunner(t, store, events.NewBus(0), dl, 3)
	it := insertItem(t, store, "p1", nil)
	_, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	_, err = store.MarkDone(ctx, it.ID, "", time.Now())
	require.NoError(t, err)

	r.Run(ctx, it.ID)
	r.Run(ctx, "missing")

	assert.Equal(t, 0, dl.Calls())
}

func TestRunnerCancelledWhileRunningDiscardsArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.DefaultBuffer)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	var artifact string
	dl := &scriptedDownloader{fn: func(ctx context.Context, _ int, req Request, _ func(model.ProgressUpdate)) (string, error) {
		path, err := writeArtifact(req)
		if err != nil {
			return "", err
		}
		artifact = path
		if _, err := store.MarkCancelled(ctx, req.ID, time.Now()); err != nil {
			return "", err
		}
		if !req.Cancelled() {
			return "", errors.New("cancel hook did not observe cancellation")
		}
		return path, nil
	}}
	r := newTestRunner(t, store, bus, dl, 3)
	it := insertItem(t, store, "p1", nil)

	r.Run(ctx, it.ID)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Nil(t, got.OutputPath)
	require.NotEmpty(t, artifact)
	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err), "artifact should be deleted")

	bus.Close()
	evs := eventsFor(t, sub, it.ID, nil, time.Second)
	assert.NotContains(t, statusChanges(evs), model.StatusDone)
}

func TestRunnerSuccessMarksDone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dl := &scriptedDownloader{fn: func(_ context.Context, _ int, req Request, onProgress func(model.ProgressUpdate)) (string, error) {
		onProgress(model.ProgressUpdate{Percent: 50, Speed: "1.0 MB/s", ETA: "00:00:10"})
		return writeArtifact(req)
	}}
	r := newTestRunner(t, store, events.NewBus(0), dl, 3)
	it := insertItem(t, store, "p1", nil)

	r.Run(ctx, it.ID)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.OutputPath)
	assert.True(t, strings.HasSuffix(*got.OutputPath, "p1.mp4"))
	assert.NotNil(t, got.CompletedAt)
}

func TestRunnerPersistsAndPublishesProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.DefaultBuffer)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	dl := &scriptedDownloader{fn: func(ctx context.Context, _ int, req Request, onProgress func(model.ProgressUpdate)) (string, error) {
		for i := 1; i <= 55; i++ {
			onProgress(model.ProgressUpdate{Percent: float64(i), Speed: "2.0 MB/s", ETA: "00:01:00"})
		}
		ok := assert.Eventually(t, func() bool {
			cur, err := store.Get(ctx, req.ID)
			return err == nil && cur.Progress == 55
		}, time.Second, 5*time.Millisecond)
		if !ok {
			return "", errors.New("progress not persisted")
		}
		return "", nil
	}}
	r := newTestRunner(t, store, bus, dl, 0)
	it := insertItem(t, store, "p1", nil)

	r.Run(ctx, it.ID)

	evs := eventsFor(t, sub, it.ID, isTerminal, time.Second)
	var last *events.Progress
	for _, ev := range evs {
		if p, ok := ev.(events.Progress); ok {
			last = &p
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, 55.0, last.Progress)
	require.NotNil(t, last.Speed)
	assert.Equal(t, "2.0 MB/s", *last.Speed)
	assert.Equal(t, []model.Status{model.StatusDownloading, model.StatusDone}, statusChanges(evs))
}

func TestRunnerHeartbeat(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(events.DefaultBuffer)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	dl := &scriptedDownloader{fn: func(context.Context, int, Request, func(model.ProgressUpdate)) (string, error) {
		time.Sleep(60 * time.Millisecond)
		return "", nil
	}}
	r := newTestRunner(t, store, bus, dl, 0)
	r.HeartbeatEvery = 10 * time.Millisecond
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	evs := eventsFor(t, sub, it.ID, isTerminal, time.Second)
	beats := 0
	for _, ev := range evs {
		if p, ok := ev.(events.Progress); ok && p.ETA != nil && *p.ETA == "0m elapsed" {
			beats++
		}
	}
	assert.GreaterOrEqual(t, beats, 1)
}

func TestRunnerShutdownLeavesItemForRecovery(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	dl := &scriptedDownloader{fn: func(ctx context.Context, _ int, _ Request, _ func(model.ProgressUpdate)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := newTestRunner(t, store, events.NewBus(0), dl, 3)
	it := insertItem(t, store, "p1", nil)

	done := make(chan struct{})
	go func() {
		r.Run(ctx, it.ID)
		close(done)
	}()
	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, 1, dl.Calls())
	got, err := store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloading, got.Status)
	assert.Nil(t, got.Error)
}

func TestRunnerRecoversDownloaderPanic(t *testing.T) {
	store := newTestStore(t)
	dl := &scriptedDownloader{fn: func(context.Context, int, Request, func(model.ProgressUpdate)) (string, error) {
		panic("malformed output")
	}}
	r := newTestRunner(t, store, events.NewBus(0), dl, 0)
	it := insertItem(t, store, "p1", nil)

	r.Run(context.Background(), it.ID)

	got, err := store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "malformed output")
}

func TestRunnerReadsRetrySettingAtStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := settings.NewStore(store.db)
	_, err := st.Set(ctx, settings.KeyMaxDownloadRetries, "1")
	require.NoError(t, err)
	dl := &scriptedDownloader{fn: alwaysFail}
	r := newTestRunner(t, store, events.NewBus(0), dl, 5)
	r.Retries = &settings.Resolver{Store: st, DefaultMaxRetries: 5}
	it := insertItem(t, store, "p1", nil)

	r.Run(ctx, it.ID)

	assert.Equal(t, 2, dl.Calls())
}
