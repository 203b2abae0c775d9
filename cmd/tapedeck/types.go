package main

import "time"

type itemView struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Series      string     `json:"series"`
	Channel     string     `json:"channel"`
	MediaType   string     `json:"media_type"`
	Quality     string     `json:"quality"`
	Subtitles   bool       `json:"subtitles"`
	Priority    int64      `json:"priority"`
	Status      string     `json:"status"`
	AddedAt     time.Time  `json:"added_at"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Progress    float64    `json:"progress"`
	Speed       string     `json:"speed"`
	ETA         string     `json:"eta"`
	Error       string     `json:"error"`
	OutputPath  string     `json:"output_path"`
}

type pageView struct {
	Items   []itemView `json:"items"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

type eventView struct {
	Type     string    `json:"type"`
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Progress float64   `json:"progress"`
	Speed    *string   `json:"speed"`
	ETA      *string   `json:"eta"`
	Message  string    `json:"message"`
	Item     *itemView `json:"item"`
}
