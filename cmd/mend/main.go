// Command mend runs the graph consolidation engine: one-shot operations from
// the command line, a long-running scheduler, or an MCP tool server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// Load .env file if present (don't error if missing)
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "[mend] loaded .env file")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
