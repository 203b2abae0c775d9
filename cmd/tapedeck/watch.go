package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	id := fs.String("id", "", "only show events for this item (prefix match)")
	fs.Parse(args)

	wsURL, err := eventsURL(*api)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	fmt.Printf("watching %s (ctrl-c to stop)\n", wsURL)
	for {
		var ev eventView
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !strings.Contains(err.Error(), "use of closed") {
				fmt.Println("error:", err)
			}
			return
		}
		if !matchesItem(ev, *id) {
			continue
		}
		fmt.Println(formatEvent(ev))
	}
}

// eventsURL maps the API base URL onto the WebSocket endpoint.
func eventsURL(api string) (string, error) {
	u, err := url.Parse(api)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func matchesItem(ev eventView, prefix string) bool {
	if prefix == "" {
		return true
	}
	id := ev.ID
	if id == "" && ev.Item != nil {
		id = ev.Item.ID
	}
	return strings.HasPrefix(id, prefix)
}
