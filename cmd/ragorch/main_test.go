package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Dimensions = 64
	cfg.VectorStore.VectorSize = 64
	cfg.VectorStore.DataDir = t.TempDir()
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Events.Publisher = "none"
	return cfg
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "ask", "index", "history", "monitor", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "ragorch "+version)
	assert.Contains(t, out.String(), gitCommit)
}

func TestReadEntities(t *testing.T) {
	t.Run("json lines", func(t *testing.T) {
		input := `{"entityType":"product","entityId":"p-1","content":"Carbon road bike"}

{"entityType":"travel","entityId":"t-1","content":"Lisbon hotel","metadata":{"city":"Lisbon"}}
`
		entities, err := readEntities(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, entities, 2)
		assert.Equal(t, "product", entities[0].Type)
		assert.Equal(t, "t-1", entities[1].ID)
		require.NotNil(t, entities[1].Metadata)
	})

	t.Run("json array", func(t *testing.T) {
		input := `  [{"entityType":"product","entityId":"p-1","content":"a"},
		{"entityType":"product","entityId":"p-2","content":"b"}]`
		entities, err := readEntities(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, entities, 2)
		assert.Equal(t, "p-2", entities[1].ID)
	})

	t.Run("empty input", func(t *testing.T) {
		entities, err := readEntities(strings.NewReader("  \n"))
		require.NoError(t, err)
		assert.Empty(t, entities)
	})

	t.Run("reports the bad line", func(t *testing.T) {
		input := `{"entityType":"product","entityId":"p-1","content":"a"}
{not json}
`
		_, err := readEntities(strings.NewReader(input))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
	})
}

func TestPrintResult(t *testing.T) {
	r := &orchestrator.PublicResult{
		Type:    orchestrator.TypeCompoundHandled,
		Success: true,
		Payload: &sanitize.Payload{
			SafeSummary: "Handled 2 requests.",
			Warning:     &sanitize.Warning{Level: sanitize.WarningWarn, Message: "Sensitive data was removed."},
		},
		Children: []*orchestrator.PublicResult{
			{Type: orchestrator.TypeActionExecuted, Success: true, Payload: &sanitize.Payload{SafeSummary: "Cleared travel."}},
			{Type: orchestrator.TypeError, Success: false, Payload: &sanitize.Payload{SafeSummary: "Search failed."}},
		},
	}

	var out bytes.Buffer
	printResult(&out, r)
	text := out.String()
	assert.Contains(t, text, "[COMPOUND_HANDLED] ok")
	assert.Contains(t, text, "Sensitive data was removed.")
	assert.Contains(t, text, "  [ACTION_EXECUTED] ok")
	assert.Contains(t, text, "  [ERROR] failed")
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	printHistory(&out, nil)
	assert.Equal(t, "no history\n", out.String())

	out.Reset()
	printHistory(&out, []audit.IntentHistory{{
		CreatedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RedactedQuery:      "pay with [REDACTED]",
		SensitiveDataTypes: []string{"CREDIT_CARD"},
		HasSensitiveData:   true,
		IntentCount:        1,
		ExecutionStatus:    orchestrator.StatusCompleted,
	}})
	assert.Contains(t, out.String(), "2026-03-01T12:00:00Z")
	assert.Contains(t, out.String(), "COMPLETED")
	assert.Contains(t, out.String(), "pay with [REDACTED]")
}

func TestApp_IndexAndHistory(t *testing.T) {
	ctx := context.Background()
	a, err := newAppWithConfig(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.initStore(ctx))
	ids, err := a.indexer.Index(ctx,
		vectorstore.Entity{Type: "product", ID: "p-1", Content: "Carbon road bike"},
		vectorstore.Entity{Type: "product", ID: "p-2", Content: "Gravel bike"},
	)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	counts, err := a.store.CountByEntityType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["product"])

	require.NoError(t, a.initAudit(ctx))
	require.NoError(t, a.audit.Record(ctx, &audit.IntentHistory{
		UserID:          "alice",
		RedactedQuery:   "show bikes",
		ExecutionStatus: orchestrator.StatusCompleted,
		Success:         true,
	}, "show bikes"))
	entries, err := a.audit.List(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Idempotent initialization.
	require.NoError(t, a.initStore(ctx))
	require.NoError(t, a.initAudit(ctx))
	assert.NoError(t, a.close())
}

func TestApp_PipelineRequiresLLMKey(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = ""

	a, err := newAppWithConfig(ctx, cfg)
	require.NoError(t, err)
	defer a.close()

	err = a.initPipeline(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm provider")
	assert.Nil(t, a.orch)
}
