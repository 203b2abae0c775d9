package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Witriol/tapedeck/internal/db"
	"github.com/Witriol/tapedeck/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tapedeck.db")
	conn, err := db.Open(path)
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return NewStore(conn)
}

func insertItem(t *testing.T, store *Store, source string, mutate func(*model.Item)) *model.Item {
	t.Helper()
	it := &model.Item{
		Source:    source,
		Title:     "Title " + source,
		MediaType: model.DefaultMediaType,
		Quality:   model.DefaultQuality,
		Subtitles: true,
		Priority:  model.DefaultPriority,
	}
	if mutate != nil {
		mutate(it)
	}
	require.NoError(t, store.Insert(context.Background(), it))
	return it
}

func TestStoreInsertGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	series := "Doctor Who"
	it := insertItem(t, store, "b0074fpm", func(it *model.Item) { it.Series = &series })
	require.NotEmpty(t, it.ID)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "b0074fpm", got.Source)
	assert.Equal(t, model.StatusQueued, got.Status)
	require.NotNil(t, got.Series)
	assert.Equal(t, "Doctor Who", *got.Series)
	assert.Nil(t, got.Channel)
	assert.True(t, got.Subtitles)
	assert.WithinDuration(t, it.AddedAt, got.AddedAt, time.Microsecond)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	it := insertItem(t, store, "p1", nil)

	ok, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloading, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestStoreGuardedUpdatesDoNotResurrectCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	it := insertItem(t, store, "p1", nil)
	_, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)

	ok, err := store.MarkCancelled(ctx, it.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.UpdateProgress(ctx, it.ID, 50, "1 MB/s", "00:01:00")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.MarkDone(ctx, it.ID, "/downloads/x.mp4", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.MarkFailed(ctx, it.ID, "boom", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.OutputPath)
}

func TestStoreRequeueClearsFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	it := insertItem(t, store, "p1", nil)
	_, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	_, err = store.UpdateProgress(ctx, it.ID, 77, "2 MB/s", "00:00:10")
	require.NoError(t, err)
	ok, err := store.MarkFailed(ctx, it.ID, "fail", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Requeue(ctx, it.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Speed)
	assert.Nil(t, got.ETA)
	assert.Equal(t, 0.0, got.Progress)
}

func TestStoreRequeueRejectsDoneAndQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	queued := insertItem(t, store, "q", nil)
	done := insertItem(t, store, "d", nil)
	_, err := store.Claim(ctx, done.ID, time.Now())
	require.NoError(t, err)
	_, err = store.MarkDone(ctx, done.ID, "/downloads/d.mp4", time.Now())
	require.NoError(t, err)

	for _, id := range []string{queued.ID, done.ID} {
		ok, err := store.Requeue(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestStoreResetInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	it := insertItem(t, store, "p1", nil)
	_, err := store.Claim(ctx, it.ID, time.Now())
	require.NoError(t, err)
	_, err = store.UpdateProgress(ctx, it.ID, 42, "", "")
	require.NoError(t, err)

	ok, err := store.ResetInterrupted(ctx, it.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 0.0, got.Progress)
}

func TestStoreOrderingAndScheduling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	low := insertItem(t, store, "low", func(it *model.Item) { it.Priority = 9; it.AddedAt = now.Add(-3 * time.Second) })
	first := insertItem(t, store, "first", func(it *model.Item) { it.AddedAt = now.Add(-2 * time.Second) })
	second := insertItem(t, store, "second", func(it *model.Item) { it.AddedAt = now.Add(-time.Second) })
	urgent := insertItem(t, store, "urgent", func(it *model.Item) { it.Priority = 1; it.AddedAt = now })
	due := insertItem(t, store, "due", func(it *model.Item) { it.ScheduledAt = &past; it.AddedAt = now })
	later := insertItem(t, store, "later", func(it *model.Item) { it.ScheduledAt = &future; it.AddedAt = now })

	ready, err := store.ListReady(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent.ID, first.ID, second.ID, due.ID, low.ID}, ids(ready))

	scheduled, err := store.ListScheduledDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids(scheduled))

	scheduled, err = store.ListScheduledDue(ctx, future.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID, later.ID}, ids(scheduled))

	require.NoError(t, store.SetPriorities(ctx, map[string]int64{low.ID: 0, "missing": 1}))
	ready, err = store.ListReady(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, low.ID, ready[0].ID)
}

func TestStoreListPaginates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		insertItem(t, store, string(rune('a'+i)), func(it *model.Item) { it.AddedAt = base.Add(time.Duration(i) * time.Second) })
	}

	items, total, err := store.List(ctx, ListFilter{Page: 2, PerPage: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, items, 3)
	assert.Equal(t, "d", items[0].Source)

	items, total, err = store.List(ctx, ListFilter{Status: model.StatusDone})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, items)
}

func TestStoreFindActiveBySource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.FindActiveBySource(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	it := insertItem(t, store, "p1", nil)
	got, err := store.FindActiveBySource(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)

	_, _ = store.Claim(ctx, it.ID, time.Now())
	_, _ = store.MarkFailed(ctx, it.ID, "x", time.Now())
	_, err = store.FindActiveBySource(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(time.Nanosecond * 500)
	c := a.Add(time.Second)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.Less(t, formatTime(b), formatTime(c))
	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func ids(items []model.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestStoreOneActiveItemPerSource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := insertItem(t, store, "b0074fpm", nil)

	dup := &model.Item{Source: "b0074fpm", Title: "again", MediaType: model.DefaultMediaType, Quality: model.DefaultQuality, Priority: model.DefaultPriority}
	assert.ErrorIs(t, store.Insert(ctx, dup), ErrConflict)

	ok, err := store.Claim(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, store.Insert(ctx, dup), ErrConflict)

	ok, err = store.MarkFailed(ctx, first.ID, "boom", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	second := insertItem(t, store, "b0074fpm", nil)

	ok, err = store.Requeue(ctx, first.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, ok)
	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	ok, err = store.Claim(ctx, second.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkCancelled(ctx, second.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Requeue(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
