package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragorch/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve orchestrate, rag_search, intent_history and tool_search as MCP
tools over stdin/stdout. Logs are written to stderr.

Example client configuration:
  {"command": "ragorch", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.initPipeline(ctx); err != nil {
		return err
	}

	server, err := mcp.NewServer(&mcp.Config{
		Name:    "ragorch",
		Version: version,
		Logger:  a.logger.Named("mcp"),
	}, a.orch, a.engine, a.sanitizer)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}
	return server.Run(ctx)
}
