package http

import (
	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Backend string         `json:"backend,omitempty"`
	Vectors map[string]int `json:"vectors"`
	Total   int            `json:"total"`
}

// OrchestrateRequest is the request body for POST /api/v1/orchestrate.
// UserID falls back to the X-User-ID header.
type OrchestrateRequest struct {
	Query   string            `json:"query"`
	UserID  string            `json:"userId"`
	History []retrieval.Turn  `json:"history,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// OrchestrateResponse is the response body for POST /api/v1/orchestrate.
type OrchestrateResponse = orchestrator.PublicResult

// HistoryResponse is the response body for GET /api/v1/history/:userId.
type HistoryResponse struct {
	UserID  string                `json:"userId"`
	Entries []audit.IntentHistory `json:"entries"`
}

// PutVectorRequest is the request body for PUT /api/v1/vectors/:entityType/:entityId.
type PutVectorRequest struct {
	Content  string                `json:"content"`
	Metadata *vectorstore.Metadata `json:"metadata,omitempty"`
}

// PutVectorResponse is the response body for PUT /api/v1/vectors/:entityType/:entityId.
type PutVectorResponse struct {
	VectorID   string `json:"vectorId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// DeleteVectorResponse is the response body for DELETE /api/v1/vectors/:entityType/:entityId.
type DeleteVectorResponse struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Removed    bool   `json:"removed"`
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	retrieval.AdvancedRequest
}

// SearchResponse is the response body for POST /api/v1/search. Document
// content is sanitized like any other response surface.
type SearchResponse struct {
	Payload *sanitize.Payload `json:"payload"`
}
