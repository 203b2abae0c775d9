package main

import (
	"fmt"
	"os"
)

const defaultAPI = "http://127.0.0.1:3000"

var version string

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "--version", "version":
		fmt.Println(versionString())
	case "add":
		cmdAdd(os.Args[2:])
	case "status", "list":
		cmdStatus(os.Args[2:])
	case "show":
		cmdShow(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "retry":
		cmdRetry(os.Args[2:])
	case "remove", "cancel":
		cmdRemove(os.Args[2:])
	case "reorder":
		cmdReorder(os.Args[2:])
	case "settings":
		cmdSettings(os.Args[2:])
	case "info":
		cmdInfo(os.Args[2:])
	default:
		usage()
	}
}

func versionString() string {
	if version == "" {
		return "tapedeck (dev)"
	}
	return "tapedeck " + version
}

func usage() {
	fmt.Println("tapedeck - download queue CLI")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  tapedeck add <source> [<source2> ...] [--title T] [--type tv|radio] [--quality best]")
	fmt.Println("               [--priority 5] [--at 2024-01-02T15:04:05Z] [--no-subtitles] [--series S] [--channel C]")
	fmt.Println("  tapedeck add --file sources.txt | --stdin")
	fmt.Println("  tapedeck status [--status <state>] [--page 1] [--per-page 25] [--watch] [--interval 1]")
	fmt.Println("  tapedeck show <id>")
	fmt.Println("  tapedeck watch [--id <id>]")
	fmt.Println("  tapedeck retry <id>")
	fmt.Println("  tapedeck remove <id>")
	fmt.Println("  tapedeck reorder <id>=<priority> [...]")
	fmt.Println("  tapedeck settings [get <key> | set <key>=<value> ...]")
	fmt.Println("  tapedeck info")
	fmt.Println("")
	fmt.Println("Env:")
	fmt.Println("  TAPEDECK_API=" + defaultAPI)
}

func apiBase() string {
	if v := os.Getenv("TAPEDECK_API"); v != "" {
		return v
	}
	return defaultAPI
}
