package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/ragorch/internal/http"

// unmatchedRoute labels requests no route claimed, so raw paths never
// become label values.
const unmatchedRoute = "unmatched"

// Metrics records API traffic and what each orchestration, search and
// vector write on the API resolved to.
type Metrics struct {
	logger        *zap.Logger
	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	orchestration metric.Int64Counter
	gateDeclines  metric.Int64Counter
	vectorWrites  metric.Int64Counter
	searchDocs    metric.Int64Histogram
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	if m.requests, err = meter.Int64Counter(
		"ragorch.http.requests_total",
		metric.WithDescription("API requests by method, route template and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram(
		"ragorch.http.request_duration_seconds",
		metric.WithDescription("API request latency by route template. Orchestration includes gates, extraction and retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}
	if m.orchestration, err = meter.Int64Counter(
		"ragorch.http.orchestrations_total",
		metric.WithDescription("Orchestrations served over the API by result type, execution status and response risk level."),
		metric.WithUnit("{orchestration}"),
	); err != nil {
		logger.Warn("failed to create orchestration counter", zap.Error(err))
	}
	if m.gateDeclines, err = meter.Int64Counter(
		"ragorch.http.gate_declines_total",
		metric.WithDescription("API orchestrations stopped by the security, access or compliance gate."),
		metric.WithUnit("{orchestration}"),
	); err != nil {
		logger.Warn("failed to create gate decline counter", zap.Error(err))
	}
	if m.vectorWrites, err = meter.Int64Counter(
		"ragorch.http.vector_writes_total",
		metric.WithDescription("Vector upserts and removals over the API by entity type and outcome."),
		metric.WithUnit("{write}"),
	); err != nil {
		logger.Warn("failed to create vector write counter", zap.Error(err))
	}
	if m.searchDocs, err = meter.Int64Histogram(
		"ragorch.http.search_documents",
		metric.WithDescription("Documents returned per direct search, by rerank strategy and whether hybrid scoring ran."),
		metric.WithUnit("{document}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 20, 50),
	); err != nil {
		logger.Warn("failed to create search documents histogram", zap.Error(err))
	}
	return m
}

// Middleware counts every request under its route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := routeLabel(c.Path())
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					attribute.String("method", c.Request().Method),
					attribute.String("route", route),
					attribute.String("status_class", statusClass(status)),
				))
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("route", route),
				))
			}
			return err
		}
	}
}

// Orchestration records what an API orchestration resolved to.
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

// VectorWrite records an upsert or removal. Removing an absent identity
// counts as "absent", not as an error.
func (m *Metrics) VectorWrite(ctx context.Context, operation, entityType string, changed bool, err error) {
	if m.vectorWrites == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, vectorstore.ErrInvalidInput), errors.Is(err, vectorstore.ErrDimensionMismatch):
		outcome = "rejected"
		entityType = ""
	case err != nil:
		outcome = "failed"
	case !changed:
		outcome = "absent"
	}
	m.vectorWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	))
}

// Search records the size of a direct search response.
func (m *Metrics) Search(ctx context.Context, resp *retrieval.AdvancedResponse) {
	if m.searchDocs == nil || resp == nil {
		return
	}
	m.searchDocs.Record(ctx, int64(len(resp.Documents)), metric.WithAttributes(
		attribute.String("rerank", resp.RerankStrategy),
		attribute.Bool("hybrid", resp.HybridUsed),
	))
}

func routeLabel(path string) string {
	if path == "" {
		return unmatchedRoute
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
