// Package mcp exposes the orchestrator as MCP tools over stdio.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and
// registers orchestrate, rag_search, intent_history and tool_search. Tool
// output is built only from sanitized payloads.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
)

// Orchestrator handles orchestration and history requests.
type Orchestrator interface {
	Handle(ctx context.Context, req orchestrator.Request) *orchestrator.Result
	History(ctx context.Context, userID string, limit int) ([]audit.IntentHistory, error)
}

// Searcher answers direct retrieval requests.
type Searcher interface {
	PerformAdvancedRAG(ctx context.Context, req retrieval.AdvancedRequest) (*retrieval.AdvancedResponse, error)
}

// Server is an MCP server backed by the orchestrator.
type Server struct {
	mcp          *mcp.Server
	orch         Orchestrator
	searcher     Searcher
	sanitizer    *sanitize.Sanitizer
	metrics      *Metrics
	toolRegistry *ToolRegistry
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ragorch")
	Name string

	// Version is the server version (default: "0.0.0-dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Metrics defaults to NewMetrics on the global meter provider.
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ragorch",
		Version: "0.0.0-dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server. All three collaborators are required.
func NewServer(cfg *Config, orch Orchestrator, searcher Searcher, sanitizer *sanitize.Sanitizer) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "ragorch"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if sanitizer == nil {
		return nil, fmt.Errorf("sanitizer is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		orch:         orch,
		searcher:     searcher,
		sanitizer:    sanitizer,
		metrics:      cfg.Metrics,
		toolRegistry: NewToolRegistry(),
		logger:       cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Tools returns the registry of tools this server exposes.
func (s *Server) Tools() *ToolRegistry {
	return s.toolRegistry
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
