package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("ragorch.vectorstore.qdrant")

const (
	payloadID      = "id"
	payloadContent = "content"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int

	// Collection holds every entity type.
	Collection string

	// VectorSize is the dimensionality of embeddings and must match the
	// embedding provider.
	VectorSize uint64

	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening the circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "ragorch_vectors"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// qdrantClient is the subset of *qdrant.Client the index uses.
type qdrantClient interface {
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantIndex implements Index over Qdrant's native gRPC API. Vector IDs
// are UUIDs and are used directly as point IDs.
type QdrantIndex struct {
	client qdrantClient
	config QdrantConfig
	logger *zap.Logger

	circuitBreaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex connects, health-checks and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx, err := newQdrantIndex(ctx, client, config, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

func newQdrantIndex(ctx context.Context, client qdrantClient, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	idx := &QdrantIndex{client: client, config: config, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		return nil, fmt.Errorf("%w: health check failed: %v", ErrConnectionFailed, err)
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	if exists {
		return nil
	}
	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrIndexFailed, s.config.Collection, err)
	}
	s.logger.Info("created qdrant collection",
		zap.String("collection", s.config.Collection),
		zap.Uint64("vector_size", s.config.VectorSize),
	)
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantIndex) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantIndex) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantIndex) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantIndex) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// Name implements Index.
func (s *QdrantIndex) Name() string { return "qdrant" }

// Upsert implements Index.
func (s *QdrantIndex) Upsert(ctx context.Context, rec IndexRecord) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("entity_type", rec.EntityType))

	if uint64(len(rec.Embedding)) != s.config.VectorSize {
		return fmt.Errorf("%w: got %d, collection expects %d", ErrDimensionMismatch, len(rec.Embedding), s.config.VectorSize)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(rec.ID),
		Vectors: qdrant.NewVectors(rec.Embedding...),
		Payload: buildPayload(rec),
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func buildPayload(rec IndexRecord) map[string]*qdrant.Value {
	md := indexMetadata(rec)
	payload := make(map[string]*qdrant.Value, len(md)+2)
	for k, v := range md {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload[payloadID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: rec.ID}}
	payload[payloadContent] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: rec.Content}}
	return payload
}

func keywordFilter(conds map[string]string) *qdrant.Filter {
	if len(conds) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(conds))
	for k, v := range conds {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   k,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: must}
}

func (s *QdrantIndex) deleteByFilter(ctx context.Context, op string, filter *qdrant.Filter) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex."+op)
	defer span.End()

	err := s.retryOperation(ctx, op, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	return nil
}

// Delete implements Index.
func (s *QdrantIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.deleteByFilter(ctx, "Delete", &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: payloadID,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: ids},
						},
					},
				},
			},
		}},
	})
}

// DeleteByEntityType implements Index.
func (s *QdrantIndex) DeleteByEntityType(ctx context.Context, entityType string) error {
	return s.deleteByFilter(ctx, "DeleteByEntityType", keywordFilter(map[string]string{keyEntityType: entityType}))
}

// Reset drops and recreates the collection.
func (s *QdrantIndex) Reset(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Reset")
	defer span.End()

	err := s.retryOperation(ctx, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, s.config.Collection)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	return s.ensureCollection(ctx)
}

// Search implements Index.
func (s *QdrantIndex) Search(ctx context.Context, vector []float32, q IndexQuery) ([]RawResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_type", q.EntityType),
		attribute.Int("k", q.Limit),
	)

	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidInput, q.Limit)
	}

	var points []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(q.Limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         keywordFilter(queryFilters(q)),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}

	out := make([]RawResult, 0, len(points))
	for _, p := range points {
		md := payloadStrings(p.Payload)
		id := md[payloadID]
		delete(md, payloadID)
		delete(md, payloadContent)
		out = append(out, RawResult{ID: id, Score: float64(p.Score), Metadata: md})
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func payloadStrings(payload map[string]*qdrant.Value) map[string]string {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			md[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			md[k] = fmt.Sprint(val.IntegerValue)
		case *qdrant.Value_DoubleValue:
			md[k] = fmt.Sprint(val.DoubleValue)
		case *qdrant.Value_BoolValue:
			md[k] = fmt.Sprint(val.BoolValue)
		}
	}
	return md
}

// Count implements Index.
func (s *QdrantIndex) Count(ctx context.Context) (int, error) {
	var n uint64
	err := s.retryOperation(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
