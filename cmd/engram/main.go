// Package main provides the CLI entry point for the engram agent
// memory and tool-execution server.
//
// Start the server over stdio (the default for MCP clients):
//
//	engram serve
//
// Or over HTTP with authentication:
//
//	engram serve --transport http --addr :8080
//
// Configuration is read from engram.yaml (override with --config or
// ENGRAM_CONFIG). Credentials can also come from the environment:
// ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, MCP_API_KEY,
// GOOGLE_SEARCH_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "engram",
		Short:         "Agent memory and tool-execution server for MCP clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newDreamCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "engram %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
