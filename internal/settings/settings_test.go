package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Witriol/tapedeck/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "tapedeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestSetRejectsNonIntegerRetries(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set(context.Background(), KeyMaxDownloadRetries, "1.5")
	require.Error(t, err)
	assert.Equal(t, "max_download_retries must be an integer", err.Error())

	_, err = s.Set(context.Background(), KeyMaxDownloadRetries, "many")
	require.Error(t, err)
	assert.Equal(t, "max_download_retries must be a number", err.Error())

	_, err = s.Set(context.Background(), KeyMaxConcurrent, "0")
	require.Error(t, err)
	assert.Equal(t, "max_concurrent must be between 1 and 10", err.Error())
}

func TestSetUpsertsAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Set(ctx, KeyMaxDownloadRetries, "2")
	require.NoError(t, err)
	_, err = s.Set(ctx, KeyMaxDownloadRetries, "4")
	require.NoError(t, err)

	st, err := s.Get(ctx, KeyMaxDownloadRetries)
	require.NoError(t, err)
	assert.Equal(t, "4", st.Value)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIsAllOrNothingOnValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.Update(ctx, map[string]string{
		"theme":               "dark",
		KeyMaxDownloadRetries: "99",
	})
	require.Error(t, err)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Update(ctx, map[string]string{"theme": "dark", KeyMaxDownloadRetries: "1"}))
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, KeyMaxDownloadRetries, list[0].Key)
	assert.Equal(t, "theme", list[1].Key)
}

func TestResolverPrefersStoredValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := &Resolver{Store: s, DefaultMaxRetries: 3}
	assert.Equal(t, 3, r.MaxRetries(ctx))

	_, err := s.Set(ctx, KeyMaxDownloadRetries, "0")
	require.NoError(t, err)
	assert.Equal(t, 0, r.MaxRetries(ctx))

	assert.Equal(t, 7, (&Resolver{DefaultMaxRetries: 7}).MaxRetries(ctx))
}

func TestFirstIntSkipsMissingSources(t *testing.T) {
	none := func(context.Context) (int, bool) { return 0, false }
	some := func(context.Context) (int, bool) { return 9, true }
	assert.Equal(t, 9, FirstInt(context.Background(), 1, nil, none, some))
	assert.Equal(t, 1, FirstInt(context.Background(), 1, none))
}

func TestValidationErrorIsTyped(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set(context.Background(), KeyMaxConcurrent, "0")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KeyMaxConcurrent, verr.Key)
}

func TestIntegerSettingsStoredCanonically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := &Resolver{Store: s, DefaultMaxRetries: 7}

	for _, raw := range []string{"1.0", "1e0", " 1 "} {
		st, err := s.Set(ctx, KeyMaxDownloadRetries, raw)
		require.NoError(t, err, raw)
		assert.Equal(t, "1", st.Value, raw)
		assert.Equal(t, 1, r.MaxRetries(ctx), raw)
	}

	require.NoError(t, s.Update(ctx, map[string]string{KeyMaxDownloadRetries: "2.0", KeyMaxConcurrent: "3e0"}))
	got, err := s.Get(ctx, KeyMaxConcurrent)
	require.NoError(t, err)
	assert.Equal(t, "3", got.Value)
	assert.Equal(t, 2, r.MaxRetries(ctx))
}

func TestIntReadsLegacyNonCanonicalValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, '4.0', '')`, KeyMaxDownloadRetries)
	require.NoError(t, err)
	assert.Equal(t, 4, (&Resolver{Store: s, DefaultMaxRetries: 7}).MaxRetries(ctx))
}

func TestUpdateRollsBackOnWriteError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
CREATE TRIGGER reject_boom BEFORE INSERT ON settings
WHEN NEW.key = 'boom'
BEGIN SELECT RAISE(ABORT, 'boom rejected'); END`)
	require.NoError(t, err)

	err = s.Update(ctx, map[string]string{"theme": "dark", "boom": "x", KeyMaxDownloadRetries: "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom rejected")

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
