package retrieval

import (
	"errors"

	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

var (
	// ErrRetrievalFailed wraps embedding and search failures.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrInvalidRequest indicates an empty query or bad parameters.
	ErrInvalidRequest = errors.New("invalid retrieval request")
)

// Defaults applied when neither the request nor Config sets a value.
const (
	DefaultLimit              = 10
	DefaultContextBudget      = 12000
	DefaultConversationWindow = 2
	DefaultKeywordWeight      = 0.3
	maxExpansionLevel         = 5
	expansionConcurrency      = 4
)

// Request is a standard retrieval request.
type Request struct {
	Query string `json:"query"`
	// EntityTypes restricts the search; empty means Config.EntityTypes or
	// every type.
	EntityTypes []string `json:"entityTypes,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	// Threshold is the minimum cosine similarity; 0 uses the store default.
	Threshold float64 `json:"threshold,omitempty"`
	// Hybrid enables keyword blending. Nil uses Config.HybridEnabled.
	Hybrid  *bool             `json:"hybrid,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Document is one ranked search hit.
type Document struct {
	VectorID   string `json:"vectorId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Content    string `json:"content"`
	// Similarity is the active ranking score, in (0, 1].
	Similarity float64 `json:"similarity"`
	// VectorSimilarity is the cosine similarity from the vector search.
	VectorSimilarity float64               `json:"vectorSimilarity"`
	KeywordScore     float64               `json:"keywordScore,omitempty"`
	Metadata         *vectorstore.Metadata `json:"metadata,omitempty"`
}

// Response is the result of PerformRAG.
type Response struct {
	Query      string     `json:"query"`
	Response   string     `json:"response"`
	Documents  []Document `json:"documents"`
	HybridUsed bool       `json:"hybridUsed"`
	// Categories lists the entity types represented, in rank order.
	Categories []string `json:"categories"`
	Confidence float64  `json:"confidence"`
	// Generated is true when Response came from the LLM.
	Generated bool `json:"generated,omitempty"`
}

// Turn is one completed exchange of a conversation.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// AdvancedRequest adds expansion, reranking, personalization and
// conversation context to Request.
type AdvancedRequest struct {
	Request
	// ExpansionLevel is how many LLM phrasings to add; 0 disables
	// expansion, negative uses Config.ExpansionLevel.
	ExpansionLevel int    `json:"expansionLevel"`
	RerankStrategy string `json:"rerankStrategy,omitempty"`
	// Context holds personalization filters that every returned document
	// must satisfy exactly.
	Context       map[string]string `json:"context,omitempty"`
	History       []Turn            `json:"history,omitempty"`
	ContextBudget int               `json:"contextBudget,omitempty"`
}

// AdvancedResponse is the result of PerformAdvancedRAG.
type AdvancedResponse struct {
	Response
	ExpandedQueries  []string `json:"expandedQueries,omitempty"`
	RerankStrategy   string   `json:"rerankStrategy"`
	Context          string   `json:"context"`
	ContextTruncated bool     `json:"contextTruncated,omitempty"`
	// Window is the conversation window folded into the query.
	Window []Turn `json:"window,omitempty"`
	// Personalized is set when Context filters were applied. BroadCount is
	// then the result count without them.
	Personalized bool `json:"personalized,omitempty"`
	BroadCount   int  `json:"broadCount,omitempty"`
}
