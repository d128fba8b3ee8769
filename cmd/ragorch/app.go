package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/actions"
	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/events"
	"github.com/fyrsmithlabs/ragorch/internal/gates"
	"github.com/fyrsmithlabs/ragorch/internal/intent"
	"github.com/fyrsmithlabs/ragorch/internal/llm"
	"github.com/fyrsmithlabs/ragorch/internal/logging"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/secrets"
	"github.com/fyrsmithlabs/ragorch/internal/telemetry"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

// app holds the components a command needs. Commands initialize only the
// layers they use; close releases whatever was opened, in reverse order.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry

	embedder embeddings.Provider
	store    *vectorstore.Engine
	indexer  *vectorstore.Indexer

	audit audit.Store

	provider  llm.Provider
	engine    *retrieval.Engine
	registry  *actions.Registry
	sanitizer *sanitize.Sanitizer
	events    events.Publisher
	orch      *orchestrator.Orchestrator

	closers []func() error
}

// newApp loads configuration and starts logging and telemetry.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newAppWithConfig(ctx, cfg)
}

func newAppWithConfig(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), nil)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.tel = tel
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })

	logCfg, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.New(logCfg, tel.LoggerProvider())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func() error { return logging.Sync(logger) })
	return a, nil
}

// initStore opens embeddings, the vector store and the indexer.
func (a *app) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	embedder, err := embeddings.FromConfig(a.cfg.Embeddings, a.logger.Named("embeddings"))
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.embedder = embedder
	a.closers = append(a.closers, func() error { return embeddings.Close(embedder) })

	store, err := vectorstore.Open(ctx, a.cfg.VectorStore, a.logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.indexer = vectorstore.NewIndexer(store, embedder, 0, a.logger.Named("indexer"))

	a.logger.Info("vector store ready",
		zap.String("backend", store.Backend()),
		zap.String("embeddings", a.cfg.Embeddings.Provider),
		zap.Int("dimensions", a.cfg.VectorStore.VectorSize))
	return nil
}

// initAudit opens the intent history store.
func (a *app) initAudit(ctx context.Context) error {
	if a.audit != nil {
		return nil
	}
	store, err := audit.Open(ctx, a.cfg.Audit, a.logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	a.audit = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initPipeline builds everything Handle needs: gates, intents, retrieval,
// actions, sanitization, audit and events.
func (a *app) initPipeline(ctx context.Context) error {
	if a.orch != nil {
		return nil
	}
	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initAudit(ctx); err != nil {
		return err
	}

	provider, err := llm.FromConfig(a.cfg.LLM, a.logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("failed to create llm provider: %w", err)
	}
	a.provider = provider

	a.engine = retrieval.NewEngine(a.store, a.embedder, retrieval.ConfigFrom(a.cfg.Retrieval),
		retrieval.WithLLM(provider),
		retrieval.WithLogger(a.logger.Named("retrieval")),
	)

	allowlist, err := secrets.LoadAllowlist(a.cfg.Sanitizer.AllowListPath)
	if err != nil {
		return fmt.Errorf("failed to load allowlist: %w", err)
	}
	var detector *secrets.Detector
	if a.cfg.Sanitizer.DetectSecrets || a.cfg.Gates.DetectCredentials {
		if detector, err = secrets.NewDetector(allowlist); err != nil {
			return fmt.Errorf("failed to create secrets detector: %w", err)
		}
	}

	var gateDetector, sanitizeDetector *secrets.Detector
	if a.cfg.Gates.DetectCredentials {
		gateDetector = detector
	}
	if a.cfg.Sanitizer.DetectSecrets {
		sanitizeDetector = detector
	}

	gateSet, err := gates.New(a.cfg.Gates, gateDetector, a.logger.Named("gates"))
	if err != nil {
		return fmt.Errorf("failed to create gates: %w", err)
	}

	registry, err := actions.NewRegistry(a.logger.Named("actions"), actions.Builtins(a.store)...)
	if err != nil {
		return fmt.Errorf("failed to register actions: %w", err)
	}
	a.registry = registry
	a.sanitizer = sanitize.New(a.cfg.Sanitizer, allowlist, sanitizeDetector)

	publisher, err := events.New(a.cfg.Events, a.logger.Named("events"))
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	a.events = publisher
	a.closers = append(a.closers, publisher.Close)

	spaces := a.cfg.Retrieval.EntityTypes
	orch, err := orchestrator.New(orchestrator.Deps{
		Security:   gateSet.Security,
		Access:     gateSet.Access,
		Compliance: gateSet.Compliance,
		Extractor: intent.NewExtractor(provider,
			intent.WithActions(registry.Names()...),
			intent.WithVectorSpaces(spaces...),
			intent.WithLogger(a.logger.Named("intent")),
		),
		Retriever: a.engine,
		Actions:   registry,
		Sanitizer: a.sanitizer,
		Audit:     a.audit,
		Events:    publisher,
	},
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
		orchestrator.WithVectorSpaces(spaces...),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	a.orch = orch

	a.logger.Info("pipeline ready",
		zap.String("llm", provider.Name()),
		zap.Strings("actions", registry.Names()),
		zap.Strings("vector_spaces", spaces),
		zap.String("events", a.cfg.Events.Publisher))
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
