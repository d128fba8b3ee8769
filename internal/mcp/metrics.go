package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
)

const instrumentationName = "github.com/fyrsmithlabs/ragorch/internal/mcp"

var (
	errInvalidArgument    = errors.New("invalid argument")
	errHistoryUnavailable = errors.New("history unavailable")
)

// Metrics records tool calls and what the orchestrate and rag_search tools
// resolved to.
type Metrics struct {
	logger        *zap.Logger
	calls         metric.Int64Counter
	duration      metric.Float64Histogram
	orchestration metric.Int64Counter
	gateDeclines  metric.Int64Counter
	confidence    metric.Float64Histogram
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	if m.calls, err = meter.Int64Counter(
		"ragorch.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool and outcome (ok, invalid_argument, retrieval_failed, history_unavailable, timeout, canceled, internal)."),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("failed to create tool calls counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram(
		"ragorch.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency by tool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		logger.Warn("failed to create tool duration histogram", zap.Error(err))
	}
	if m.orchestration, err = meter.Int64Counter(
		"ragorch.mcp.orchestrations_total",
		metric.WithDescription("Orchestrations served through the orchestrate tool by result type, execution status and response risk level."),
		metric.WithUnit("{orchestration}"),
	); err != nil {
		logger.Warn("failed to create orchestration counter", zap.Error(err))
	}
	if m.gateDeclines, err = meter.Int64Counter(
		"ragorch.mcp.gate_declines_total",
		metric.WithDescription("Orchestrate tool calls stopped by the security, access or compliance gate."),
		metric.WithUnit("{orchestration}"),
	); err != nil {
		logger.Warn("failed to create gate decline counter", zap.Error(err))
	}
	if m.confidence, err = meter.Float64Histogram(
		"ragorch.mcp.search_confidence",
		metric.WithDescription("Confidence of rag_search responses that returned documents, by rerank strategy."),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	); err != nil {
		logger.Warn("failed to create search confidence histogram", zap.Error(err))
	}
	return m
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	if m.calls != nil {
		m.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", callOutcome(err)),
		))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// Orchestration records what an orchestrate call resolved to.
func (m *Metrics) Orchestration(ctx context.Context, result *orchestrator.Result) {
	o := result.Outcome()
	if m.orchestration != nil {
		m.orchestration.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result_type", string(o.Type)),
			attribute.String("execution_status", o.Status),
			attribute.String("risk_level", string(o.Risk)),
		))
	}
	if o.Gate != "" && m.gateDeclines != nil {
		m.gateDeclines.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", o.Gate)))
	}
}

// Search records the confidence of a rag_search response. Empty responses
// carry no confidence and are skipped.
func (m *Metrics) Search(ctx context.Context, resp *retrieval.AdvancedResponse) {
	if m.confidence == nil || resp == nil || len(resp.Documents) == 0 {
		return
	}
	m.confidence.Record(ctx, resp.Confidence, metric.WithAttributes(
		attribute.String("rerank", resp.RerankStrategy),
	))
}

// callOutcome maps a tool error onto a low-cardinality label.
func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errInvalidArgument), errors.Is(err, retrieval.ErrInvalidRequest):
		return "invalid_argument"
	case errors.Is(err, retrieval.ErrRetrievalFailed):
		return "retrieval_failed"
	case errors.Is(err, errHistoryUnavailable):
		return "history_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
