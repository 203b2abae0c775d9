package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type healthView struct {
	Status      string         `json:"status"`
	Service     string         `json:"service"`
	Queue       map[string]int `json:"queue"`
	Subscribers int            `json:"subscribers"`
	Pool        *struct {
		Capacity int `json:"capacity"`
		Active   int `json:"active"`
		Pending  int `json:"pending"`
	} `json:"pool"`
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	page := fs.Int("page", 1, "page number")
	perPage := fs.Int("per-page", 25, "items per page")
	api := fs.String("api", apiBase(), "api base URL")
	watch := fs.Bool("watch", false, "refresh every interval")
	interval := fs.Int("interval", 1, "refresh interval in seconds")
	fs.Parse(args)
	if *interval <= 0 {
		*interval = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(*page))
	q.Set("per_page", strconv.Itoa(*perPage))
	if *status != "" {
		q.Set("status", *status)
	}
	for {
		if *watch {
			fmt.Print("\033[H\033[2J")
		}
		var out pageView
		if err := getJSON(*api+"/api/queue?"+q.Encode(), &out); err != nil {
			fmt.Println("error:", err)
			return
		}
		var health healthView
		if err := getJSON(*api+"/health", &health); err == nil && health.Queue != nil {
			fmt.Println(formatCounts(health.Queue))
		}
		if out.Total > len(out.Items) {
			fmt.Printf("Page %d (%d per page) of %d matching\n", out.Page, out.PerPage, out.Total)
		}
		printItems(os.Stdout, out.Items, time.Now())
		if !*watch || !hasActiveItems(out.Items) {
			return
		}
		time.Sleep(time.Duration(*interval) * time.Second)
	}
}

func cmdShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("usage: tapedeck show <id>")
		return
	}
	var it itemView
	if err := getJSON(*api+"/api/queue/"+url.PathEscape(fs.Arg(0)), &it); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	printItem(os.Stdout, it, time.Now())
}

func cmdRetry(args []string) {
	runItemAction(args, "retry", http.MethodPost, "/retry")
}

func cmdRemove(args []string) {
	runItemAction(args, "remove", http.MethodDelete, "")
}

func runItemAction(args []string, action, method, suffix string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Printf("usage: tapedeck %s <id>\n", action)
		return
	}
	hadErr := false
	for _, id := range fs.Args() {
		if err := doJSON(method, *api+"/api/queue/"+url.PathEscape(id)+suffix, nil, nil); err != nil {
			fmt.Printf("error for %s: %v\n", id, err)
			hadErr = true
			continue
		}
		fmt.Printf("%s %s: ok\n", action, id)
	}
	if hadErr {
		os.Exit(1)
	}
}

type priorityUpdate struct {
	ID       string `json:"id"`
	Priority int64  `json:"priority"`
}

func cmdReorder(args []string) {
	fs := flag.NewFlagSet("reorder", flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	fs.Parse(args)
	updates, err := parsePriorities(fs.Args())
	if err != nil || len(updates) == 0 {
		if err != nil {
			fmt.Println("error:", err)
		}
		fmt.Println("usage: tapedeck reorder <id>=<priority> [...]")
		return
	}
	if err := postJSON(*api+"/api/queue/reorder", map[string]any{"items": updates}, nil); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Printf("reordered %d item(s)\n", len(updates))
}

func parsePriorities(args []string) ([]priorityUpdate, error) {
	out := make([]priorityUpdate, 0, len(args))
	for _, arg := range args {
		id, val, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("expected <id>=<priority>, got %q", arg)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid priority in %q", arg)
		}
		out = append(out, priorityUpdate{ID: id, Priority: n})
	}
	return out, nil
}

func cmdSettings(args []string) {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	fs.Parse(args)

	switch fs.Arg(0) {
	case "":
		var settings map[string]string
		if err := getJSON(*api+"/api/settings", &settings); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("Current settings:")
		printSettings(settings)
	case "get":
		if fs.NArg() < 2 {
			fmt.Println("usage: tapedeck settings get <key>")
			return
		}
		var st struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := getJSON(*api+"/api/settings/"+url.PathEscape(fs.Arg(1)), &st); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s\n", st.Key, st.Value)
	case "set":
		updates := map[string]string{}
		for _, arg := range fs.Args()[1:] {
			k, v, ok := strings.Cut(arg, "=")
			if !ok || k == "" {
				fmt.Printf("error: expected <key>=<value>, got %q\n", arg)
				return
			}
			updates[k] = v
		}
		if len(updates) == 0 {
			fmt.Println("usage: tapedeck settings set <key>=<value> [...]")
			return
		}
		var result map[string]string
		if err := doJSON(http.MethodPatch, *api+"/api/settings", updates, &result); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		fmt.Println("Settings updated:")
		printSettings(result)
	default:
		fmt.Println("usage: tapedeck settings [get <key> | set <key>=<value> ...]")
	}
}

func printSettings(settings map[string]string) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, settings[k])
	}
}
