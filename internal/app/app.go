// Package app wires configuration into the running components. Both the
// server and the operator CLI build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/hybridrag/internal/analyzer"
	"github.com/knoguchi/hybridrag/internal/bm25"
	"github.com/knoguchi/hybridrag/internal/cache"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/events"
	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
	"github.com/knoguchi/hybridrag/internal/repository/sqlite"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/resilience"
	"github.com/knoguchi/hybridrag/internal/retrieval"
	"github.com/knoguchi/hybridrag/internal/server"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

// NewLogger returns the JSON logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// InstanceID names this process in rebuild notifications.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hybridrag"
	}
	return host + "-" + uuid.NewString()[:8]
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	DB         *postgres.DB
	Passages   *postgres.PassageRepo
	StatsStore corpus.Store
	Holder     *corpus.Holder
	Embedder   embedder.Embedder
	Vectors    vectorstore.VectorStore
	Cache      cache.Cache
	Analyzer   *analyzer.Analyzer
	Reranker   reranker.Reranker
	Job        *corpus.Job
	Retrieval  *retrieval.Service
	Subscriber *events.Subscriber
	Checks     []server.ReadinessCheck

	closers []func() error
	logger  *slog.Logger
}

// Build connects every dependency named by cfg. instance identifies this
// process for rebuild notifications.
func Build(ctx context.Context, cfg *config.Config, instance string) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.New(),
		Holder:  corpus.NewHolder(),
		logger:  slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.DB, err = postgres.New(ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() error { a.DB.Close(); return nil })
	if err = a.DB.Migrate(ctx); err != nil {
		return nil, err
	}
	a.Passages = postgres.NewPassageRepo(a.DB)
	a.Checks = append(a.Checks, server.ReadinessCheck{Name: "postgres", Check: a.DB.Ping})
	a.logger.Info("connected to PostgreSQL")

	if a.StatsStore, err = a.openStatsStore(); err != nil {
		return nil, err
	}
	a.ReloadStats(ctx)

	a.Embedder = NewEmbedder(cfg, a.Metrics)
	if a.Vectors, err = a.openVectors(ctx); err != nil {
		return nil, err
	}

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	a.logger.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	if a.Cache, err = a.openCache(ctx); err != nil {
		return nil, err
	}
	a.Analyzer = analyzer.New(llmClient,
		analyzer.WithCache(a.Cache, cfg.AnalysisCacheTTL),
		analyzer.WithTimeout(cfg.AnalysisTimeout),
		analyzer.WithModel(cfg.OllamaLLMModel),
	)
	a.Reranker = NewReranker(cfg, llmClient, a.Metrics)

	if a.Job, err = a.newJob(instance); err != nil {
		return nil, err
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.Subscriber = events.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaStatsTopic, instance, a.StatsStore, a.Holder, a.Metrics)
		a.onClose(a.Subscriber.Close)
	}

	a.Retrieval = retrieval.NewService(a.Embedder, a.Vectors, a.Holder, RetrievalConfig(cfg),
		retrieval.WithAnalyzer(a.Analyzer),
		retrieval.WithReranker(a.Reranker),
		retrieval.WithScorer(bm25.NewWithParams(cfg.BM25K1, cfg.BM25B)),
		retrieval.WithMetrics(a.Metrics),
	)
	return a, nil
}

// Close releases every opened resource.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error during close", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// ReloadStats publishes the stored statistics, if any.
func (a *App) ReloadStats(ctx context.Context) {
	snap, err := a.Holder.Reload(ctx, a.StatsStore)
	if errors.Is(err, corpus.ErrStatsUnavailable) {
		a.logger.Warn("no corpus statistics yet, keyword scoring disabled until a rebuild")
		return
	}
	if err != nil {
		a.logger.Error("failed to load corpus statistics", "error", err)
		return
	}
	a.Metrics.SetSnapshot(snap.Version, snap.Stats.TotalDocuments)
	a.logger.Info("corpus statistics loaded", "version", snap.Version, "documents", snap.Stats.TotalDocuments)
}

func (a *App) openStatsStore() (corpus.Store, error) {
	switch a.Config.StatsBackend {
	case "sqlite":
		repo, err := sqlite.Open(a.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite stats store: %w", err)
		}
		a.onClose(repo.Close)
		return repo, nil
	default:
		return postgres.NewStatsRepo(a.DB), nil
	}
}

// NewEmbedder returns the cached Ollama embedder behind its own circuit breaker.
func NewEmbedder(cfg *config.Config, m *metrics.Metrics) embedder.Embedder {
	base := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.OllamaEmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
		BatchSize: cfg.EmbeddingBatchSize,
		Breaker: resilience.NewBreaker("embedder", resilience.BreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
		}),
	})
	slog.Info("initialized Ollama embedder", "model", base.ModelName(), "dimension", base.Dimension())
	return embedder.NewCachedEmbedder(base, cfg.EmbeddingCacheSize)
}

func (a *App) openVectors(ctx context.Context) (vectorstore.VectorStore, error) {
	if a.Config.VectorBackend == "memory" {
		store := vectorstore.NewMemoryStore()
		n, err := SyncVectors(ctx, a.Passages, a.Embedder, store, a.Config.RebuildBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to index passages in memory: %w", err)
		}
		a.logger.Info("memory vector store ready", "passages", n)
		return store, nil
	}

	store, err := OpenQdrant(ctx, a.Config)
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}

// OpenQdrant connects to Qdrant.
func OpenQdrant(ctx context.Context, cfg *config.Config) (*vectorstore.QdrantStore, error) {
	store, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)
	return store, nil
}

func (a *App) openCache(ctx context.Context) (cache.Cache, error) {
	if a.Config.RedisAddr == "" {
		return cache.NewLRUCache(1024, a.Config.AnalysisCacheTTL), nil
	}
	rc, err := cache.NewRedisCache(ctx, a.Config.RedisAddr, a.Config.RedisPassword, a.Config.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.onClose(rc.Close)
	a.Checks = append(a.Checks, server.ReadinessCheck{Name: "redis", Check: rc.Ping})
	return rc, nil
}

// NewReranker picks the configured reranking provider.
func NewReranker(cfg *config.Config, client llm.StructuredLLM, m *metrics.Metrics) reranker.Reranker {
	if strings.EqualFold(cfg.RerankProvider, "heuristic") {
		return reranker.HeuristicReranker{}
	}
	model := cfg.RerankModel
	if model == "" {
		model = cfg.OllamaLLMModel
	}
	return reranker.NewLLMReranker(client,
		reranker.WithModel(model),
		reranker.WithTimeout(cfg.RerankTimeout),
		reranker.WithMetrics(m),
	)
}

func (a *App) newJob(instance string) (*corpus.Job, error) {
	job, closeFn, err := NewRebuildJob(a.Config, a.Passages, a.StatsStore, a.Holder, instance)
	if err != nil {
		return nil, err
	}
	a.onClose(closeFn)
	return job, nil
}

// NewRebuildJob wires the statistics rebuild with the configured boost list
// and, when Kafka brokers are set, a rebuild publisher. holder may be nil.
// The returned close function releases the publisher.
func NewRebuildJob(cfg *config.Config, passages repository.PassageRepository, store corpus.Store, holder *corpus.Holder, instance string) (*corpus.Job, func() error, error) {
	opts := []corpus.BuilderOption{corpus.WithBatchSize(cfg.RebuildBatchSize)}
	if cfg.CorpusBoostFile != "" {
		bl, err := corpus.LoadBoostList(cfg.CorpusBoostFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load boost list: %w", err)
		}
		opts = append(opts, corpus.WithBoostList(bl))
	}

	var notifier corpus.Notifier
	closeFn := func() error { return nil }
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaStatsTopic, instance)
		closeFn = pub.Close
		notifier = pub
	}
	return corpus.NewJob(corpus.NewBuilder(opts...), passages, store, holder, notifier), closeFn, nil
}

// RetrievalConfig maps the environment configuration onto retrieval defaults.
func RetrievalConfig(cfg *config.Config) retrieval.Config {
	rc := retrieval.DefaultConfig()
	rc.HybridWeight = cfg.HybridWeight
	rc.MinBM25Score = cfg.MinBM25Score
	rc.MinVectorScore = cfg.MinVectorScore
	rc.MaxResults = cfg.MaxResults
	rc.NormalizeScores = cfg.NormalizeScores
	rc.Debug = cfg.Debug
	rc.RerankEnabled = cfg.RerankEnabled
	rc.RerankTopK = cfg.RerankTopK
	rc.IncludeExplanations = cfg.IncludeExplanations
	rc.VisualFocus = cfg.VisualFocus
	rc.CandidateMultiplier = cfg.CandidateMultiplier
	rc.DedupeThreshold = cfg.DedupeThreshold
	return rc
}
