package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func printItems(w io.Writer, items []itemView, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tPROGRESS\tSPEED\tETA\tADDED\tTITLE")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			shortID(it.ID), statusLabel(it, now), it.Priority, formatProgress(it),
			dash(it.Speed), formatETA(it), humanize.RelTime(it.AddedAt, now, "ago", "from now"), displayName(it))
		if it.Error != "" {
			fmt.Fprintf(tw, " \t \t \t \t \t \t \t  error: %s\n", firstLine(it.Error))
		}
	}
	_ = tw.Flush()
}

func printItem(w io.Writer, it itemView, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("id", it.ID)
	row("source", it.Source)
	row("title", it.Title)
	row("series", it.Series)
	row("channel", it.Channel)
	row("type", it.MediaType)
	row("quality", it.Quality)
	row("subtitles", fmt.Sprint(it.Subtitles))
	row("priority", fmt.Sprint(it.Priority))
	row("status", statusLabel(it, now))
	row("progress", formatProgress(it))
	row("speed", it.Speed)
	row("eta", it.ETA)
	row("added", formatTime(&it.AddedAt, now))
	row("scheduled", formatTime(it.ScheduledAt, now))
	row("started", formatTime(it.StartedAt, now))
	row("completed", formatTime(it.CompletedAt, now))
	row("output", it.OutputPath)
	row("error", it.Error)
	_ = tw.Flush()
}

func formatTime(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.RelTime(*t, now, "ago", "from now"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusLabel(it itemView, now time.Time) string {
	if it.Status == "queued" && it.ScheduledAt != nil && it.ScheduledAt.After(now) {
		return "scheduled"
	}
	return it.Status
}

func displayName(it itemView) string {
	name := it.Title
	if it.Series != "" && !strings.Contains(name, it.Series) {
		name = it.Series + ": " + name
	}
	if len(name) > 64 {
		return name[:61] + "..."
	}
	return name
}

func formatProgress(it itemView) string {
	switch it.Status {
	case "done":
		return "100%"
	case "queued":
		return "-"
	}
	return fmt.Sprintf("%.1f%%", it.Progress)
}

func formatETA(it itemView) string {
	if it.Status != "downloading" {
		return "-"
	}
	return dash(it.ETA)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func hasActiveItems(items []itemView) bool {
	for _, it := range items {
		if it.Status == "queued" || it.Status == "downloading" {
			return true
		}
	}
	return false
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	total := 0
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Items: %s total", humanize.Comma(int64(total)))
	}
	return fmt.Sprintf("Items: %s total | %s", humanize.Comma(int64(total)), strings.Join(parts, ", "))
}

func formatEvent(ev eventView) string {
	switch ev.Type {
	case "progress":
		s := fmt.Sprintf("%s progress %.1f%%", shortID(ev.ID), ev.Progress)
		if ev.Speed != nil {
			s += " " + *ev.Speed
		}
		if ev.ETA != nil {
			s += " eta " + *ev.ETA
		}
		return s
	case "status_change":
		return fmt.Sprintf("%s %s", shortID(ev.ID), ev.Status)
	case "item_added":
		if ev.Item != nil {
			return fmt.Sprintf("%s added %s (%s)", shortID(ev.Item.ID), ev.Item.Source, displayName(*ev.Item))
		}
	case "item_removed":
		return fmt.Sprintf("%s removed", shortID(ev.ID))
	case "error":
		return fmt.Sprintf("%s error: %s", shortID(ev.ID), firstLine(ev.Message))
	}
	return ev.Type
}
