package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Witriol/tapedeck/internal/model"
)

var (
	ErrNotFound       = errors.New("item not found")
	ErrConflict       = errors.New("item already queued")
	ErrNotRetryable   = errors.New("item is not retryable")
	ErrInvalidRequest = errors.New("invalid request")
)

// timeLayout is fixed width so stored values sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older builds.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListFilter selects a page of items.
type ListFilter struct {
	Status  model.Status
	Page    int
	PerPage int
}

// Store wraps DB access for queue items.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const itemColumns = `id, source, title, series, channel, media_type, quality, subtitles, priority, status,
       added_at, scheduled_at, started_at, completed_at, progress, speed, eta, error, output_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var (
		it                                  model.Item
		series, channel                     sql.NullString
		status, addedAt                     string
		scheduledAt, startedAt, completedAt sql.NullString
		speed, eta, errMsg, outputPath      sql.NullString
		subtitles                           int
	)
	if err := row.Scan(
		&it.ID, &it.Source, &it.Title, &series, &channel, &it.MediaType, &it.Quality, &subtitles, &it.Priority, &status,
		&addedAt, &scheduledAt, &startedAt, &completedAt, &it.Progress, &speed, &eta, &errMsg, &outputPath,
	); err != nil {
		return nil, err
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	it.Status = st
	it.Subtitles = subtitles != 0
	it.Series = nullStringPtr(series)
	it.Channel = nullStringPtr(channel)
	it.Speed = nullStringPtr(speed)
	it.ETA = nullStringPtr(eta)
	it.Error = nullStringPtr(errMsg)
	it.OutputPath = nullStringPtr(outputPath)
	if it.AddedAt, err = parseTime(addedAt); err != nil {
		return nil, fmt.Errorf("parse added_at: %w", err)
	}
	if it.ScheduledAt, err = parseNullTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if it.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if it.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &it, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// Insert stores a new item. Missing ID, status and added_at are filled in.
func (s *Store) Insert(ctx context.Context, it *model.Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = model.StatusQueued
	}
	if it.AddedAt.IsZero() {
		it.AddedAt = s.now().UTC()
	}
	subtitles := 0
	if it.Subtitles {
		subtitles = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items (id, source, title, series, channel, media_type, quality, subtitles, priority, status,
                         added_at, scheduled_at, started_at, completed_at, progress, speed, eta, error, output_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, it.ID, it.Source, it.Title, stringPtrArg(it.Series), stringPtrArg(it.Channel), it.MediaType, it.Quality, subtitles,
		it.Priority, string(it.Status), formatTime(it.AddedAt), formatTimePtr(it.ScheduledAt), formatTimePtr(it.StartedAt),
		formatTimePtr(it.CompletedAt), it.Progress, stringPtrArg(it.Speed), stringPtrArg(it.ETA), stringPtrArg(it.Error),
		stringPtrArg(it.OutputPath))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already has an active item", ErrConflict, it.Source)
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return it, nil
}

// List returns one page of items and the total number matching the filter.
func (s *Store) List(ctx context.Context, f ListFilter) ([]model.Item, int, error) {
	where := ""
	args := []any{}
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items` + where + ` ORDER BY priority ASC, added_at ASC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)
	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY priority ASC, added_at ASC`, string(status))
}

// ListReady returns queued items with no schedule or a schedule at or before now.
func (s *Store) ListReady(ctx context.Context, now time.Time) ([]model.Item, error) {
	return s.queryItems(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
ORDER BY priority ASC, added_at ASC
`, string(model.StatusQueued), formatTime(now))
}

// ListScheduledDue returns queued items whose schedule has passed.
func (s *Store) ListScheduledDue(ctx context.Context, now time.Time) ([]model.Item, error) {
	return s.queryItems(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
ORDER BY priority ASC, added_at ASC
`, string(model.StatusQueued), formatTime(now))
}

// FindActiveBySource returns the queued or downloading item for source, if any.
func (s *Store) FindActiveBySource(ctx context.Context, source string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE source = ? AND status IN (?, ?)
ORDER BY added_at ASC
LIMIT 1
`, source, string(model.StatusQueued), string(model.StatusDownloading))
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return it, nil
}

// isUniqueViolation reports whether err came from the one-active-item-per-source
// index (or the primary key).
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (s *Store) execGuarded(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim moves a queued item to downloading. It reports false when the item
// was not queued, so at most one caller wins.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?, started_at = ?, completed_at = NULL, progress = 0, speed = NULL, eta = NULL, error = NULL
WHERE id = ? AND status = ?
`, string(model.StatusDownloading), formatTime(now), id, string(model.StatusQueued))
}

func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, speed, eta string) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items SET progress = ?, speed = ?, eta = ?
WHERE id = ? AND status = ?
`, progress, emptyAsNull(speed), emptyAsNull(eta), id, string(model.StatusDownloading))
}

// SetError records or clears (msg == nil) the error of a running item.
func (s *Store) SetError(ctx context.Context, id string, msg *string) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items SET error = ? WHERE id = ? AND status = ?
`, stringPtrArg(msg), id, string(model.StatusDownloading))
}

func (s *Store) MarkDone(ctx context.Context, id, outputPath string, now time.Time) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?, completed_at = ?, progress = 100, output_path = ?, error = NULL, speed = NULL, eta = NULL
WHERE id = ? AND status = ?
`, string(model.StatusDone), formatTime(now), emptyAsNull(outputPath), id, string(model.StatusDownloading))
}

func (s *Store) MarkFailed(ctx context.Context, id, msg string, now time.Time) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?, completed_at = ?, error = ?, speed = NULL, eta = NULL
WHERE id = ? AND status = ?
`, string(model.StatusFailed), formatTime(now), msg, id, string(model.StatusDownloading))
}

func (s *Store) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?, completed_at = ?, speed = NULL, eta = NULL
WHERE id = ? AND status = ?
`, string(model.StatusCancelled), formatTime(now), id, string(model.StatusDownloading))
}

// Requeue moves a failed or cancelled item back to queued. It fails with
// ErrConflict when another item for the same source is already active.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	ok, err := s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?,
    error = NULL,
    progress = 0,
    speed = NULL,
    eta = NULL,
    started_at = NULL,
    completed_at = NULL,
    output_path = NULL
WHERE id = ? AND status IN (?, ?)
`, string(model.StatusQueued), id, string(model.StatusFailed), string(model.StatusCancelled))
	if isUniqueViolation(err) {
		return false, fmt.Errorf("%w: source already has an active item", ErrConflict)
	}
	return ok, err
}

// ResetInterrupted returns a downloading item left over from a previous
// process to queued.
func (s *Store) ResetInterrupted(ctx context.Context, id string) (bool, error) {
	return s.execGuarded(ctx, `
UPDATE queue_items
SET status = ?, started_at = NULL, progress = 0, speed = NULL, eta = NULL
WHERE id = ? AND status = ?
`, string(model.StatusQueued), id, string(model.StatusDownloading))
}

// SetPriorities updates several priorities in one transaction.
func (s *Store) SetPriorities(ctx context.Context, priorities map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for id, p := range priorities {
		if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET priority = ? WHERE id = ?`, p, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.execGuarded(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
}

// CountByStatus returns the number of items per status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(strings.TrimSpace(status))] = n
	}
	return out, rows.Err()
}
