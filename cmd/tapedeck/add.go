package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type addOptions struct {
	entries   []addEntry
	title     string
	series    string
	channel   string
	mediaType string
	quality   string
	priority  *int64
	at        *time.Time
	subtitles *bool
	api       string
}

// addEntry is one source, with the title from a batch line when present.
type addEntry struct {
	source string
	title  string
}

func cmdAdd(args []string) {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" {
			usage()
			return
		}
	}
	opts, err := parseAddArgs(args)
	if err != nil {
		fmt.Println("error:", err)
		fmt.Println("usage: tapedeck add <source> [<source2> ...] [--title T] [--type tv|radio]")
		return
	}
	if len(opts.entries) == 0 {
		fmt.Println("usage: tapedeck add <source> [<source2> ...] [--title T] [--type tv|radio]")
		return
	}
	if len(opts.entries) > 1 && opts.title != "" {
		fmt.Println("error: --title can only be used with a single source")
		return
	}
	hadErr := false
	for _, e := range opts.entries {
		var it itemView
		if err := postJSON(opts.api+"/api/queue", opts.payload(e), &it); err != nil {
			fmt.Printf("error for %s: %v\n", e.source, err)
			hadErr = true
			continue
		}
		fmt.Printf("queued %s (%s) priority %d\n", it.ID, it.Source, it.Priority)
	}
	if hadErr {
		os.Exit(1)
	}
}

func (o addOptions) payload(e addEntry) map[string]any {
	title := e.title
	if title == "" {
		title = o.title
	}
	if title == "" {
		title = e.source
	}
	p := map[string]any{
		"source": e.source,
		"title":  title,
	}
	if o.series != "" {
		p["series"] = o.series
	}
	if o.channel != "" {
		p["channel"] = o.channel
	}
	if o.mediaType != "" {
		p["media_type"] = o.mediaType
	}
	if o.quality != "" {
		p["quality"] = o.quality
	}
	if o.priority != nil {
		p["priority"] = *o.priority
	}
	if o.at != nil {
		p["scheduled_at"] = o.at.UTC().Format(time.RFC3339)
	}
	if o.subtitles != nil {
		p["subtitles"] = *o.subtitles
	}
	return p
}

func parseAddArgs(args []string) (addOptions, error) {
	opts := addOptions{api: apiBase()}
	var files []string
	useStdin := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			opts.entries = append(opts.entries, addEntry{source: arg})
			continue
		}
		key := arg
		val := ""
		switch {
		case strings.Contains(arg, "="):
			parts := strings.SplitN(arg, "=", 2)
			key = parts[0]
			val = parts[1]
		case key == "--stdin":
			useStdin = true
			continue
		case key == "--no-subtitles":
			off := false
			opts.subtitles = &off
			continue
		case i+1 < len(args):
			val = args[i+1]
			i++
		default:
			return opts, fmt.Errorf("missing value for %s", key)
		}
		switch key {
		case "--title":
			opts.title = val
		case "--series":
			opts.series = val
		case "--channel":
			opts.channel = val
		case "--type":
			opts.mediaType = val
		case "--quality":
			opts.quality = val
		case "--priority":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return opts, fmt.Errorf("invalid --priority %q", val)
			}
			opts.priority = &n
		case "--at":
			at, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return opts, fmt.Errorf("invalid --at %q: want RFC3339", val)
			}
			opts.at = &at
		case "--api":
			opts.api = val
		case "--file":
			files = append(files, val)
		default:
			return opts, fmt.Errorf("unknown flag %s", key)
		}
	}
	if useStdin {
		entries, err := readEntries(os.Stdin)
		if err != nil {
			return opts, err
		}
		opts.entries = append(opts.entries, entries...)
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return opts, err
		}
		entries, err := readEntries(f)
		_ = f.Close()
		if err != nil {
			return opts, err
		}
		opts.entries = append(opts.entries, entries...)
	}
	return opts, nil
}

// readEntries reads one "<source> [title]" per line, skipping blanks and
// # comments.
func readEntries(r io.Reader) ([]addEntry, error) {
	var out []addEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		source, title, _ := strings.Cut(line, " ")
		out = append(out, addEntry{source: source, title: strings.TrimSpace(title)})
	}
	return out, scanner.Err()
}
