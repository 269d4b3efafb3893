// Package main is the entry point for the NetSentry operator console.
package main

import (
	"flag"
	"fmt"
	"os"

	"netsentry/internal/tui"
)

var version = "dev"

func main() {
	var (
		serverURL   string
		token       string
		userID      string
		showVersion bool
	)

	flag.StringVar(&serverURL, "server", "http://localhost:8080", "NetSentry server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "NetSentry server URL (shorthand)")
	flag.StringVar(&token, "token", "", "Bearer token for the server")
	flag.StringVar(&userID, "user", "", "User ID when the server runs without auth")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("netsentry-tui %s\n", version)
		os.Exit(0)
	}

	if token == "" {
		token = os.Getenv("NETSENTRY_TOKEN")
	}
	if token == "" && userID == "" {
		fmt.Fprintln(os.Stderr, "either -token or -user is required")
		os.Exit(1)
	}

	if err := tui.Run(serverURL, token, userID); err != nil {
		fmt.Fprintf(os.Stderr, "console error: %v\n", err)
		os.Exit(1)
	}
}
