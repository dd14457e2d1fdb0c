// Package cli dispatches warden subcommands: the hosting daemon itself and
// API key administration.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// Run executes the selected subcommand and returns the process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "version":
		fmt.Println("warden", Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`warden - game server hosting daemon

Usage:
  warden serve [flags]              run the hosting daemon
  warden apikey create|list|revoke  manage API keys
  warden version                    print version

Run "warden serve -h" for daemon flags.
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
