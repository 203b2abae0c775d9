package main

import (
	"flag"
	"fmt"
	"os"
)

func cmdInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	api := fs.String("api", apiBase(), "api base URL")
	fs.Parse(args)

	fmt.Println("CLI:")
	fmt.Printf("  version: %s\n", versionString())
	fmt.Printf("  api: %s\n", *api)
	if v, ok := os.LookupEnv("TAPEDECK_API"); ok {
		fmt.Printf("  env.TAPEDECK_API: %s\n", v)
	} else {
		fmt.Println("  env.TAPEDECK_API: (unset)")
	}

	var health healthView
	if err := getJSON(*api+"/health", &health); err != nil {
		fmt.Println("")
		fmt.Println("Server:")
		fmt.Printf("  status: error (%v)\n", err)
		return
	}

	fmt.Println("")
	fmt.Println("Server:")
	fmt.Printf("  status: %s\n", health.Status)
	if health.Pool != nil {
		fmt.Printf("  workers: %d/%d busy, %d pending\n", health.Pool.Active, health.Pool.Capacity, health.Pool.Pending)
	}
	fmt.Printf("  subscribers: %d\n", health.Subscribers)
	if health.Queue != nil {
		fmt.Printf("  %s\n", formatCounts(health.Queue))
	}

	var settings map[string]string
	if err := getJSON(*api+"/api/settings", &settings); err == nil && len(settings) > 0 {
		fmt.Println("  settings:")
		printSettings(settings)
	}
}
