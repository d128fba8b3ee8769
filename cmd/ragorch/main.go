// Package main implements the ragorch CLI: the HTTP and MCP servers plus
// one-shot commands for asking, indexing, reading intent history and
// watching a running server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the YAML config file; empty uses ~/.config/ragorch/config.yaml
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragorch",
	Short: "Retrieval-and-action orchestration pipeline",
	Long: `ragorch gates natural language requests, extracts their intents, answers
information requests from a vector knowledge base, executes registered
actions and returns sanitized, audited results.

Configuration is read from ~/.config/ragorch/config.yaml (or --config)
and overridden by RAGORCH_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.SetVersionTemplate(versionString() + "\n")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}

func versionString() string {
	return fmt.Sprintf("ragorch %s (commit %s, built %s)", version, gitCommit, buildDate)
}
