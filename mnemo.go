// Package mnemo is the public API for embedding the mnemo memory server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := mnemo.New(
//	    mnemo.WithVersion(version),
//	    mnemo.WithLogger(logger),
//	    mnemo.WithEmbeddingProvider(myProvider),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mnemo (root) imports
// internal/*, but internal/* never imports mnemo (root). Public types
// (Memory, Preference, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package mnemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/contradiction"
	"github.com/mnemo-ai/mnemo/internal/decay"
	"github.com/mnemo-ai/mnemo/internal/embedding"
	"github.com/mnemo-ai/mnemo/internal/extractor"
	"github.com/mnemo-ai/mnemo/internal/mcpsurface"
	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/orchestrator"
	"github.com/mnemo-ai/mnemo/internal/responder"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/server"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/telemetry"
	"github.com/mnemo-ai/mnemo/migrations"
)

// App is the mnemo server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	orch         *orchestrator.Orchestrator
	store        *memorystore.Store
	retriever    *retrieval.Retriever
	decaySvc     *decay.Service
	qdrantIndex  *retrieval.QdrantIndex // nil when Qdrant is not configured
	broker       *server.Broker         // nil when no notify connection
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the mnemo server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mnemo starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Run embedded migrations.
	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Verify critical tables exist after migration. If the pgvector
	// extension failed to create, later migrations fail silently and the
	// server would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'memories')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("schema verification: %w", err))
	}
	if !schemaOK {
		return fail(fmt.Errorf("critical table 'memories' does not exist after migration — check that the pgvector extension is available"))
	}

	// Create embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embedding.NewPublicProviderAdapter(o.embeddingProvider)
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Optional external vector index.
	var qdrantIndex *retrieval.QdrantIndex
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			return fail(fmt.Errorf("qdrant: %w", idxErr))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no MNEMO_QDRANT_URL)")
	}

	// Core services: contradiction detection, write pipeline, retrieval, decay.
	detector := contradiction.New(db, embedder, contradiction.Params{
		SimilarityThreshold:    cfg.ContradictionThreshold,
		ContradictionThreshold: contradiction.DefaultParams().ContradictionThreshold,
	})
	store := memorystore.New(db, embedder, detector, logger)
	retriever := retrieval.New(db, embedder, logger)
	if qdrantIndex != nil {
		store = store.WithIndex(qdrantIndex)
		retriever = retriever.WithIndex(qdrantIndex)
	}
	decaySvc := decay.New(db, decay.Params{
		Lambda:            cfg.DecayRate,
		Beta:              cfg.ReinforcementBonus,
		Floor:             cfg.ImportanceFloor,
		ArchiveImportance: cfg.ArchiveImportanceFloor,
		ArchiveMinAge:     cfg.ArchiveMinAge,
	}, logger)

	// External collaborators: response generator and deep extractor.
	var generator responder.Generator
	if o.responseGenerator != nil {
		generator = o.responseGenerator
	} else {
		generator = newResponseGenerator(cfg, logger)
	}
	var extractorClient extractor.Client
	if o.extractorClient != nil {
		extractorClient = o.extractorClient
	} else {
		extractorClient = newExtractorClient(cfg, logger)
	}

	retrievalParams := retrieval.Params{
		K:             cfg.RetrievalK,
		Depth:         cfg.SpreadingDepth,
		SpreadDecay:   cfg.SpreadingDecay,
		MinSimilarity: cfg.SimilarityThreshold,
	}

	orch := orchestrator.New(store, retriever, decaySvc, db, generator, extractor.New(extractorClient), retrievalParams, logger)
	if db.HasNotifyConn() {
		orch.SetNotifier(db)
	}

	// MCP server.
	mcpSrv := mcpsurface.New(db, store, retriever, retrievalParams, logger, version)

	// SSE broker.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Orchestrator:        orch,
		DecaySvc:            decaySvc,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		orch:         orch,
		store:        store,
		retriever:    retriever,
		decaySvc:     decaySvc,
		qdrantIndex:  qdrantIndex,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	// Decay sweep: once at startup, then on the fixed interval.
	go a.decaySvc.RunPeriodic(ctx, a.cfg.DecayIntervalHours)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) wait for detached extract+store tasks to finish,
// then close the index, OTEL provider, and database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mnemo shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDetachedTimeout)
	a.orch.Drain(drainCtx)
	drainCancel()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("mnemo stopped")
	return nil
}

// RetrieveMemories runs the retrieval pipeline directly, for embedding
// consumers that bypass HTTP. k <= 0 uses the configured RETRIEVAL_K.
func (a *App) RetrieveMemories(ctx context.Context, query string, k int) ([]RetrievedMemory, error) {
	if k <= 0 {
		k = a.cfg.RetrievalK
	}
	results, err := a.retriever.Retrieve(ctx, query, retrieval.Params{
		K:             k,
		Depth:         a.cfg.SpreadingDepth,
		SpreadDecay:   a.cfg.SpreadingDecay,
		MinSimilarity: a.cfg.SimilarityThreshold,
	})
	if err != nil {
		return nil, err
	}
	out := make([]RetrievedMemory, len(results))
	for i, r := range results {
		out[i] = RetrievedMemory{
			Memory:            toPublicMemory(r.Memory),
			CombinedScore:     r.CombinedScore,
			ActivationSources: r.ActivationSources,
		}
	}
	return out, nil
}

// StoreMemory writes a memory through the full pipeline, for embedding
// consumers that bypass HTTP. Returns the new memory's id.
func (a *App) StoreMemory(ctx context.Context, summary string, tier Tier, confidence, importance float64, entities, facts []string) (string, error) {
	res, err := a.store.InsertMemoryUnit(ctx, model.MemoryProposal{
		ShouldWrite: true,
		Summary:     summary,
		Tier:        model.Tier(tier),
		Confidence:  confidence,
		Importance:  importance,
		Entities:    entities,
		Facts:       facts,
	})
	if err != nil {
		return "", err
	}
	return res.MemoryID.String(), nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when MNEMO_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// newResponseGenerator selects the response generator: "ollama", "openai",
// "noop", or "auto" (Ollama if reachable, then OpenAI, else noop).
func newResponseGenerator(cfg config.Config, logger *slog.Logger) responder.Generator {
	switch cfg.ResponderProvider {
	case "openai":
		logger.Info("response generator: openai", "model", cfg.ResponderModel)
		return responder.NewOpenAIGenerator(cfg.ResponderAPIKey, cfg.ResponderModel)
	case "ollama":
		logger.Info("response generator: ollama", "url", cfg.ResponderURL, "model", cfg.ResponderModel)
		return responder.NewOllamaGenerator(cfg.ResponderURL, cfg.ResponderModel)
	case "noop":
		logger.Info("response generator: noop")
		return responder.NoopGenerator{}
	default:
		if ollamaReachable(cfg.ResponderURL) {
			logger.Info("response generator: ollama (auto-detected)", "url", cfg.ResponderURL, "model", cfg.ResponderModel)
			return responder.NewOllamaGenerator(cfg.ResponderURL, cfg.ResponderModel)
		}
		if cfg.ResponderAPIKey != "" {
			logger.Info("response generator: openai (auto-detected)", "model", cfg.ResponderModel)
			return responder.NewOpenAIGenerator(cfg.ResponderAPIKey, cfg.ResponderModel)
		}
		logger.Warn("no response generator available, using noop")
		return responder.NoopGenerator{}
	}
}

// newExtractorClient selects the deep-extraction client. USE_LOCAL_MEMORY_LLM
// (default true) prefers the local Ollama extractor when reachable, falling
// back to the cloud model, matching the extractor selection the
// conversational pipeline documents.
func newExtractorClient(cfg config.Config, logger *slog.Logger) extractor.Client {
	switch cfg.ExtractorProvider {
	case "openai":
		logger.Info("deep extractor: openai", "model", cfg.ExtractorModel)
		return extractor.NewOpenAIClient(cfg.ExtractorAPIKey, cfg.ExtractorModel)
	case "ollama":
		logger.Info("deep extractor: ollama", "url", cfg.ExtractorURL, "model", cfg.ExtractorModel)
		return extractor.NewOllamaClient(cfg.ExtractorURL, cfg.ExtractorModel)
	case "noop":
		logger.Info("deep extractor: noop (deep extraction disabled)")
		return extractor.NoopClient{}
	default:
		if cfg.UseLocalMemoryLLM && ollamaReachable(cfg.ExtractorURL) {
			logger.Info("deep extractor: ollama (auto-detected)", "url", cfg.ExtractorURL, "model", cfg.ExtractorModel)
			return extractor.NewOllamaClient(cfg.ExtractorURL, cfg.ExtractorModel)
		}
		if cfg.ExtractorAPIKey != "" {
			logger.Info("deep extractor: openai (auto-detected)", "model", cfg.ExtractorModel)
			return extractor.NewOpenAIClient(cfg.ExtractorAPIKey, cfg.ExtractorModel)
		}
		logger.Warn("no deep extractor available, using noop (instant extraction still active)")
		return extractor.NoopClient{}
	}
}

// ollamaHealthTimeout bounds the reachability probe.
const ollamaHealthTimeout = 3 * time.Second

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), ollamaHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// toPublicMemory converts an internal memory to its public view.
func toPublicMemory(m model.Memory) Memory {
	return Memory{
		ID:                m.ID,
		CreatedAt:         m.CreatedAt,
		Summary:           m.Summary,
		Entities:          m.Entities,
		Facts:             m.Facts,
		Tier:              Tier(m.Tier),
		Confidence:        m.Confidence,
		BaseImportance:    m.BaseImportance,
		CurrentImportance: m.CurrentImportance,
		AccessCount:       m.AccessCount,
		IsActive:          m.IsActive,
		Supersedes:        m.Supersedes,
	}
}
