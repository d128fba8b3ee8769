package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/logging"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
)

const (
	maxHistoryLimit       = 1000
	defaultToolSearchSize = 5
)

// ===== orchestrate =====

type orchestrateInput struct {
	Query   string            `json:"query" jsonschema:"Natural language request; may contain several intents"`
	UserID  string            `json:"user_id,omitempty" jsonschema:"Caller identity used for access control and audit (default: anonymous)"`
	History []retrieval.Turn  `json:"history,omitempty" jsonschema:"Earlier turns of the conversation, oldest first"`
	Context map[string]string `json:"context,omitempty" jsonschema:"Personalization filters applied to retrieval"`
}

// ===== rag_search =====

type ragSearchInput struct {
	Query          string            `json:"query" jsonschema:"Search query"`
	EntityTypes    []string          `json:"entity_types,omitempty" jsonschema:"Restrict results to these entity types"`
	Limit          int               `json:"limit,omitempty" jsonschema:"Maximum documents to return (default: 10)"`
	Threshold      float64           `json:"threshold,omitempty" jsonschema:"Minimum similarity between 0 and 1"`
	Hybrid         *bool             `json:"hybrid,omitempty" jsonschema:"Blend keyword scores into the ranking"`
	ExpansionLevel *int              `json:"expansion_level,omitempty" jsonschema:"Number of generated query phrasings; 0 disables expansion"`
	RerankStrategy string            `json:"rerank_strategy,omitempty" jsonschema:"One of score, semantic or hybrid"`
	Filters        map[string]string `json:"filters,omitempty" jsonschema:"Metadata equality filters"`
	Context        map[string]string `json:"context,omitempty" jsonschema:"Personalization filters"`
}

// ===== intent_history =====

type intentHistoryInput struct {
	UserID string `json:"user_id" jsonschema:"User whose history to list"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum entries, newest first (default: 50, max: 1000)"`
}

type intentHistoryOutput struct {
	UserID  string                `json:"user_id"`
	Count   int                   `json:"count"`
	Entries []audit.IntentHistory `json:"entries"`
}

// ===== tool_search =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Tool name, keyword or regular expression"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
}

type toolSearchOutput struct {
	Query   string          `json:"query"`
	Results []*SearchResult `json:"results"`
	Total   int             `json:"total"`
}

func (s *Server) registerTools() error {
	if err := addTool(s, &ToolMetadata{
		Name:        "orchestrate",
		Description: "Run a request through the security, access and compliance gates, extract its intents, execute them and return a sanitized result.",
		Category:    CategoryOrchestration,
		Keywords:    []string{"ask", "query", "action", "intent", "compound"},
	}, s.handleOrchestrate); err != nil {
		return err
	}

	if err := addTool(s, &ToolMetadata{
		Name:        "rag_search",
		Description: "Search the knowledge base directly with expansion, hybrid scoring and reranking. Results are sanitized.",
		Category:    CategoryRetrieval,
		Keywords:    []string{"search", "retrieve", "documents", "semantic", "rerank"},
	}, s.handleRAGSearch); err != nil {
		return err
	}

	if err := addTool(s, &ToolMetadata{
		Name:        "intent_history",
		Description: "List a user's audited requests, newest first. Only redacted queries are returned.",
		Category:    CategoryAudit,
		Keywords:    []string{"audit", "history", "log"},
	}, s.handleIntentHistory); err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find available tools by name, keyword or pattern.",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "tools", "help"},
	}, s.handleToolSearch)
}

// addTool registers h under meta with invocation metrics. The handler's
// output is returned to the client as indented JSON text.
func addTool[In any](s *Server, meta *ToolMetadata, h func(ctx context.Context, in In) (any, error)) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}

	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		start := time.Now()
		out, err := h(ctx, in)
		s.metrics.ToolCall(ctx, name, time.Since(start), err)
		if err != nil {
			logging.For(ctx, s.logger).Warn("tool call failed",
				zap.String("tool", name),
				zap.Error(err),
			)
			return nil, nil, err
		}

		text, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("encoding %s output: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, nil, nil
	})
	return nil
}

func (s *Server) handleOrchestrate(ctx context.Context, in orchestrateInput) (any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", errInvalidArgument)
	}
	if in.UserID != "" {
		ctx = logging.WithUserID(ctx, in.UserID)
	}

	result := s.orch.Handle(ctx, orchestrator.Request{
		Query:   in.Query,
		UserID:  in.UserID,
		History: in.History,
		Context: in.Context,
	})
	s.metrics.Orchestration(ctx, result)
	return result.Public(), nil
}

func (s *Server) handleRAGSearch(ctx context.Context, in ragSearchInput) (any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", errInvalidArgument)
	}

	req := retrieval.AdvancedRequest{
		Request: retrieval.Request{
			Query:       in.Query,
			EntityTypes: in.EntityTypes,
			Limit:       in.Limit,
			Threshold:   in.Threshold,
			Hybrid:      in.Hybrid,
			Filters:     in.Filters,
		},
		ExpansionLevel: -1,
		RerankStrategy: in.RerankStrategy,
		Context:        in.Context,
	}
	if in.ExpansionLevel != nil {
		req.ExpansionLevel = *in.ExpansionLevel
	}

	resp, err := s.searcher.PerformAdvancedRAG(ctx, req)
	if err != nil {
		return nil, err
	}
	s.metrics.Search(ctx, resp)
	return orchestrator.SanitizeSearch(s.sanitizer, in.Query, resp), nil
}

func (s *Server) handleIntentHistory(ctx context.Context, in intentHistoryInput) (any, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", errInvalidArgument)
	}
	if in.Limit < 0 || in.Limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: invalid limit: must be between 0 and %d", errInvalidArgument, maxHistoryLimit)
	}

	entries, err := s.orch.History(ctx, in.UserID, in.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errHistoryUnavailable, err)
	}
	if entries == nil {
		entries = []audit.IntentHistory{}
	}
	return intentHistoryOutput{
		UserID:  in.UserID,
		Count:   len(entries),
		Entries: entries,
	}, nil
}

func (s *Server) handleToolSearch(_ context.Context, in toolSearchInput) (any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", errInvalidArgument)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultToolSearchSize
	}

	var results []*SearchResult
	if in.Category != "" {
		results = s.toolRegistry.SearchByCategory(in.Query, ToolCategory(in.Category))
	} else {
		results = s.toolRegistry.Search(in.Query)
	}
	total := len(results)
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []*SearchResult{}
	}
	return toolSearchOutput{Query: in.Query, Results: results, Total: total}, nil
}
