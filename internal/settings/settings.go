// Package settings stores runtime settings that operators can change without
// a restart, and resolves them against the static configuration.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	KeyMaxDownloadRetries = "max_download_retries"
	KeyMaxConcurrent      = "max_concurrent"
)

var ErrNotFound = errors.New("setting not found")

// ValidationError reports a value rejected for its key.
type ValidationError struct {
	Key string
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalidValue(key, format string, args ...any) error {
	return &ValidationError{Key: key, msg: key + " " + fmt.Sprintf(format, args...)}
}

// Setting is one key/value pair.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// Store wraps DB access for the settings table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	var st Setting
	err := s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) Set(ctx context.Context, key, value string) (*Setting, error) {
	value, err := normalize(key, value)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := upsert(ctx, s.db, key, value, now); err != nil {
		return nil, err
	}
	return &Setting{Key: key, Value: value, UpdatedAt: now}, nil
}

// Update validates every value, then writes them all in one transaction.
func (s *Store) Update(ctx context.Context, updates map[string]string) error {
	clean := make(map[string]string, len(updates))
	for k, v := range updates {
		n, err := normalize(k, v)
		if err != nil {
			return err
		}
		clean[k] = n
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range clean {
		if err := upsert(ctx, tx, k, v, now); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, key, value, now string) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, now)
	return err
}

// Int returns the integer value stored under key.
func (s *Store) Int(ctx context.Context, key string) (int, bool) {
	st, err := s.Get(ctx, key)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(st.Value, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// normalize validates value for key and returns the form to store.
// Integer settings are stored canonically, so "1.0" is stored as "1".
func normalize(key, value string) (string, error) {
	switch key {
	case KeyMaxDownloadRetries:
		return normalizeInt(key, value, 0, 10)
	case KeyMaxConcurrent:
		return normalizeInt(key, value, 1, 10)
	}
	return value, nil
}

func normalizeInt(key, value string, lo, hi int) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return "", invalidValue(key, "must be a number")
	}
	if f != math.Trunc(f) {
		return "", invalidValue(key, "must be an integer")
	}
	if f < float64(lo) || f > float64(hi) {
		return "", invalidValue(key, "must be between %d and %d", lo, hi)
	}
	return strconv.Itoa(int(f)), nil
}
