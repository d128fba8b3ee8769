package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PromQL used by Fetch. All rates are per minute.
const (
	queryRequestRate     = `sum(rate(ragorch_orchestrator_requests_total[1m])) * 60`
	queryLatencyP95      = `histogram_quantile(0.95, sum(rate(ragorch_orchestrator_request_duration_seconds_bucket[5m])) by (le))`
	queryGateDeclineRate = `sum(rate(ragorch_orchestrator_gate_declines_total[5m])) * 60`
	queryIntentErrorPct  = `100 * sum(rate(ragorch_orchestrator_intents_total{result="error"}[5m])) / sum(rate(ragorch_orchestrator_intents_total[5m]))`
	queryHighRiskPct     = `100 * sum(rate(ragorch_orchestrator_sanitized_responses_total{risk_level="HIGH"}[5m])) / sum(rate(ragorch_orchestrator_sanitized_responses_total[5m]))`
	querySideEffectFails = `sum(increase(ragorch_orchestrator_side_effect_failures_total[5m]))`
	queryVectorOpsRate   = `sum(rate(ragorch_vectorstore_operations_total[1m])) * 60`
	queryEntities        = `sum(ragorch_vectorstore_searchable_entities)`
	queryCacheHitPct     = `100 * sum(rate(ragorch_vectorstore_search_cache_requests_total{result="hit"}[5m])) / sum(rate(ragorch_vectorstore_search_cache_requests_total[5m]))`
	queryStartTime       = `max(process_start_time_seconds{job="ragorch"})`
	queryGoroutines      = `sum(go_goroutines{job="ragorch"})`
	queryResidentMemory  = `sum(process_resident_memory_bytes{job="ragorch"})`
)

// MetricsClient queries a Prometheus-compatible API (Prometheus or
// VictoriaMetrics) that scrapes ragorch's /metrics endpoint.
type MetricsClient struct {
	baseURL string
	client  *http.Client
}

// QueryResult is the instant query response.
type QueryResult struct {
	Status string    `json:"status"`
	Data   QueryData `json:"data"`
}

// QueryData holds the query result data
type QueryData struct {
	ResultType string         `json:"resultType"`
	Result     []MetricResult `json:"result"`
}

// MetricResult represents a single metric result
type MetricResult struct {
	Metric map[string]string `json:"metric"`
	Value  [2]interface{}    `json:"value"`
}

// NewMetricsClient creates a new metrics client
func NewMetricsClient(baseURL string) *MetricsClient {
	return &MetricsClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Query executes an instant PromQL query.
func (c *MetricsClient) Query(ctx context.Context, query string) (QueryResult, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/query")
	if err != nil {
		return QueryResult{}, fmt.Errorf("invalid base URL: %w", err)
	}

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueryResult{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return QueryResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return QueryResult{}, fmt.Errorf("query failed with status %q", result.Status)
	}

	return result, nil
}

// QueryValue runs query and returns its first sample, or 0 for an empty
// result.
func (c *MetricsClient) QueryValue(ctx context.Context, query string) (float64, error) {
	result, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return extractFloatValue(result)
}

// Fetch collects a full snapshot. The request rate query must succeed;
// the rest fall back to zero so a partially scraped target still renders.
func (c *MetricsClient) Fetch(ctx context.Context, now time.Time) (MetricsSnapshot, error) {
	var snap MetricsSnapshot
	var err error
	if snap.RequestRate, err = c.QueryValue(ctx, queryRequestRate); err != nil {
		return MetricsSnapshot{}, err
	}

	optional := func(query string) float64 {
		v, err := c.QueryValue(ctx, query)
		if err != nil {
			return 0
		}
		return v
	}
	snap.LatencyP95 = optional(queryLatencyP95)
	snap.GateDeclineRate = optional(queryGateDeclineRate)
	snap.IntentErrorPct = optional(queryIntentErrorPct)
	snap.HighRiskPct = optional(queryHighRiskPct)
	snap.SideEffectFailures = optional(querySideEffectFails)
	snap.VectorOpsRate = optional(queryVectorOpsRate)
	snap.Entities = optional(queryEntities)
	snap.CacheHitPct = optional(queryCacheHitPct)
	snap.Goroutines = int(optional(queryGoroutines))
	snap.MemoryBytes = uint64(optional(queryResidentMemory))
	if start := optional(queryStartTime); start > 0 {
		snap.Uptime = now.Unix() - int64(start)
	}
	return snap, nil
}

// extractFloatValue extracts a float value from query result. NaN from
// a ratio over an idle window reads as zero.
func extractFloatValue(result QueryResult) (float64, error) {
	if len(result.Data.Result) == 0 {
		return 0, nil
	}

	valueStr, ok := result.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("value is not a string")
	}
	if valueStr == "NaN" {
		return 0, nil
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}

	return value, nil
}
