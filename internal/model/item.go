// Package model holds the queue item types shared by the store, the event
// bus and the API.
package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusDownloading, StatusDone, StatusFailed, StatusCancelled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status: %s", s)
	}
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition happens without a retry.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Retryable reports whether an explicit retry may move the item back to queued.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

const (
	DefaultPriority  = 5
	DefaultMediaType = "tv"
	DefaultQuality   = "best"
)

// Item is one download job tracked through the queue.
type Item struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Series      *string    `json:"series,omitempty"`
	Channel     *string    `json:"channel,omitempty"`
	MediaType   string     `json:"media_type"`
	Quality     string     `json:"quality"`
	Subtitles   bool       `json:"subtitles"`
	Priority    int64      `json:"priority"`
	Status      Status     `json:"status"`
	AddedAt     time.Time  `json:"added_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    float64    `json:"progress"`
	Speed       *string    `json:"speed,omitempty"`
	ETA         *string    `json:"eta,omitempty"`
	Error       *string    `json:"error,omitempty"`
	OutputPath  *string    `json:"output_path,omitempty"`
}

// Due reports whether the item may be dispatched at now.
func (i *Item) Due(now time.Time) bool {
	return i.ScheduledAt == nil || !i.ScheduledAt.After(now)
}

// ProgressUpdate is one progress observation reported by a downloader.
type ProgressUpdate struct {
	Percent float64
	Speed   string
	ETA     string
	Size    string
}
