// Package config provides configuration loading for ragorch.
//
// Configuration comes from an optional YAML file overridden by RAGORCH_*
// environment variables. Each section maps onto one runtime component; the
// cmd layer translates sections into component options.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete ragorch configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	LLM           LLMConfig           `koanf:"llm"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Gates         GatesConfig         `koanf:"gates"`
	Sanitizer     SanitizerConfig     `koanf:"sanitizer"`
	Audit         AuditConfig         `koanf:"audit"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EmbeddingsConfig selects the primary and fallback embedding providers.
type EmbeddingsConfig struct {
	Provider        string   `koanf:"provider"` // fastembed, tei, openai, hash
	Model           string   `koanf:"model"`
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	CacheDir        string   `koanf:"cache_dir"`
	Dimensions      int      `koanf:"dimensions"`
	Fallback        string   `koanf:"fallback"` // empty disables failover
	FallbackModel   string   `koanf:"fallback_model"`
	FallbackBaseURL string   `koanf:"fallback_base_url"`
	CacheSize       int      `koanf:"cache_size"`
	CacheTTL        Duration `koanf:"cache_ttl"`
}

// LLMConfig selects the language model provider used for intents and expansion.
type LLMConfig struct {
	Provider   string   `koanf:"provider"` // anthropic, openai
	Model      string   `koanf:"model"`
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"` // requests per second
	MaxRetries int      `koanf:"max_retries"`
}

// VectorStoreConfig configures the index backend, catalog and search cache.
type VectorStoreConfig struct {
	Backend             string   `koanf:"backend"` // chromem, qdrant
	DataDir             string   `koanf:"data_dir"`
	Collection          string   `koanf:"collection"`
	QdrantHost          string   `koanf:"qdrant_host"`
	QdrantPort          int      `koanf:"qdrant_port"`
	QdrantTLS           bool     `koanf:"qdrant_tls"`
	VectorSize          int      `koanf:"vector_size"`
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	SearchCacheSize     int      `koanf:"search_cache_size"`
	SearchCacheTTL      Duration `koanf:"search_cache_ttl"`
}

// RetrievalConfig holds RAG defaults.
type RetrievalConfig struct {
	EntityTypes        []string `koanf:"entity_types"`
	DefaultLimit       int      `koanf:"default_limit"`
	HybridEnabled      bool     `koanf:"hybrid_enabled"`
	KeywordWeight      float64  `koanf:"keyword_weight"`
	ContextBudget      int      `koanf:"context_budget"`
	ConversationWindow int      `koanf:"conversation_window"`
	ExpansionLevel     int      `koanf:"expansion_level"`
	RerankStrategy     string   `koanf:"rerank_strategy"`
	GenerateAnswers    bool     `koanf:"generate_answers"`
}

// GatesConfig configures the security, access-control and compliance gates.
type GatesConfig struct {
	MaxQueryLength     int                 `koanf:"max_query_length"`
	RequestsPerSecond  float64             `koanf:"requests_per_second"`
	Burst              int                 `koanf:"burst"`
	DefaultRole        string              `koanf:"default_role"`
	RequiredRoles      []string            `koanf:"required_roles"`
	UserRoles          map[string][]string `koanf:"user_roles"`
	DeniedUsers        []string            `koanf:"denied_users"`
	ProhibitedPatterns []string            `koanf:"prohibited_patterns"`
	DetectCredentials  bool                `koanf:"detect_credentials"`
}

// SanitizerConfig configures PII redaction and the fixed warning texts.
type SanitizerConfig struct {
	AllowListPath   string `koanf:"allow_list_path"`
	RedactionString string `koanf:"redaction_string"`
	BlockMessage    string `koanf:"block_message"`
	WarnMessage     string `koanf:"warn_message"`
	Guidance        string `koanf:"guidance"`
	DetectSecrets   bool   `koanf:"detect_secrets"`
}

// AuditConfig configures the intent history store.
type AuditConfig struct {
	Path          string `koanf:"path"`
	EncryptionKey Secret `koanf:"encryption_key"` // 64 hex chars, or a passphrase
}

// EventsConfig selects where sanitization events are published.
type EventsConfig struct {
	Publisher string `koanf:"publisher"` // log, nats, none
	NATSURL   string `koanf:"nats_url"`
	Subject   string `koanf:"subject"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	LogLevel         string  `koanf:"log_level"`
	LogFormat        string  `koanf:"log_format"`
	TelemetryEnabled bool    `koanf:"telemetry_enabled"`
	OTLPEndpoint     string  `koanf:"otlp_endpoint"`
	OTLPProtocol     string  `koanf:"otlp_protocol"`
	ServiceName      string  `koanf:"service_name"`
	SamplingRate     float64 `koanf:"sampling_rate"`
}

// Default returns a configuration that runs fully offline: chromem index,
// hash embeddings and a log event publisher.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.Dimensions == 0 {
		cfg.Embeddings.Dimensions = 384
	}
	if cfg.Embeddings.CacheSize == 0 {
		cfg.Embeddings.CacheSize = 4096
	}
	if cfg.Embeddings.CacheTTL == 0 {
		cfg.Embeddings.CacheTTL = Duration(time.Hour)
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(60 * time.Second)
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 5
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}

	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = "chromem"
	}
	if cfg.VectorStore.DataDir == "" {
		cfg.VectorStore.DataDir = "~/.local/share/ragorch"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "ragorch_vectors"
	}
	if cfg.VectorStore.QdrantHost == "" {
		cfg.VectorStore.QdrantHost = "localhost"
	}
	if cfg.VectorStore.QdrantPort == 0 {
		cfg.VectorStore.QdrantPort = 6334
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = cfg.Embeddings.Dimensions
	}
	if cfg.VectorStore.SearchCacheSize == 0 {
		cfg.VectorStore.SearchCacheSize = 1024
	}
	if cfg.VectorStore.SearchCacheTTL == 0 {
		cfg.VectorStore.SearchCacheTTL = Duration(5 * time.Minute)
	}

	if cfg.Retrieval.DefaultLimit == 0 {
		cfg.Retrieval.DefaultLimit = 10
	}
	if cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.Retrieval.ContextBudget == 0 {
		cfg.Retrieval.ContextBudget = 12000
	}
	if cfg.Retrieval.ConversationWindow == 0 {
		cfg.Retrieval.ConversationWindow = 2
	}
	if cfg.Retrieval.RerankStrategy == "" {
		cfg.Retrieval.RerankStrategy = "score"
	}

	if cfg.Gates.MaxQueryLength == 0 {
		cfg.Gates.MaxQueryLength = 4000
	}
	if cfg.Gates.RequestsPerSecond == 0 {
		cfg.Gates.RequestsPerSecond = 10
	}
	if cfg.Gates.Burst == 0 {
		cfg.Gates.Burst = 20
	}
	if cfg.Gates.DefaultRole == "" {
		cfg.Gates.DefaultRole = "user"
	}

	if cfg.Sanitizer.RedactionString == "" {
		cfg.Sanitizer.RedactionString = "[REDACTED]"
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "~/.local/share/ragorch/audit.db"
	}

	if cfg.Events.Publisher == "" {
		cfg.Events.Publisher = "log"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "ragorch.sanitization"
	}

	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "ragorch"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q is not supported", c.Embeddings.Provider))
	}
	switch c.Embeddings.Fallback {
	case "", "fastembed", "tei", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.fallback %q is not supported", c.Embeddings.Fallback))
	}
	if c.Embeddings.Fallback != "" && c.Embeddings.Fallback == c.Embeddings.Provider &&
		c.Embeddings.FallbackBaseURL == c.Embeddings.BaseURL && c.Embeddings.FallbackModel == c.Embeddings.Model {
		errs = append(errs, errors.New("embeddings.fallback must differ from the primary provider"))
	}
	if c.Embeddings.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions))
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.RateLimit < 0 {
		errs = append(errs, errors.New("llm.rate_limit cannot be negative"))
	}

	switch c.VectorStore.Backend {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.backend %q is not supported", c.VectorStore.Backend))
	}
	if c.VectorStore.SimilarityThreshold < 0 || c.VectorStore.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("vectorstore.similarity_threshold must be within [0,1], got %f", c.VectorStore.SimilarityThreshold))
	}

	switch c.Retrieval.RerankStrategy {
	case "score", "semantic", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("retrieval.rerank_strategy %q is not supported", c.Retrieval.RerankStrategy))
	}
	if c.Retrieval.ExpansionLevel < 0 || c.Retrieval.ExpansionLevel > 5 {
		errs = append(errs, fmt.Errorf("retrieval.expansion_level must be 0-5, got %d", c.Retrieval.ExpansionLevel))
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.KeywordWeight > 1 {
		errs = append(errs, fmt.Errorf("retrieval.keyword_weight must be within [0,1], got %f", c.Retrieval.KeywordWeight))
	}
	if c.Retrieval.ContextBudget < 512 {
		errs = append(errs, fmt.Errorf("retrieval.context_budget must be at least 512, got %d", c.Retrieval.ContextBudget))
	}

	switch c.Events.Publisher {
	case "log", "none":
	case "nats":
		if c.Events.NATSURL == "" {
			errs = append(errs, errors.New("events.nats_url is required for the nats publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.publisher %q is not supported", c.Events.Publisher))
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be within [0,1], got %f", c.Observability.SamplingRate))
	}

	return errors.Join(errs...)
}
