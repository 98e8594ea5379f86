// Package cmd provides the CLI entry points.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - migrate: apply pending database migrations and exit
//   - version: show build information
//
// All commands shut down gracefully on SIGINT/SIGTERM via context
// cancellation.
package cmd

import (
	"fmt"
	"os"
)

// Execute is the main entry point for the autobrain binary.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func runHelp() {
	fmt.Println("autobrain - retrieval-augmented knowledge service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  autobrain serve [addr]  Start the HTTP API server")
	fmt.Println("  autobrain migrate       Apply pending database migrations")
	fmt.Println("  autobrain version       Show version information")
	fmt.Println("  autobrain help          Show this help")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Read from config.yaml (working directory or /etc/autobrain)")
	fmt.Println("  and AUTOBRAIN_* environment variables. The AI provider key")
	fmt.Println("  (GEMINI_API_KEY or OPENAI_API_KEY) comes from the environment.")
}
