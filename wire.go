package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/terellcodes/claim-assist/agent"
	"github.com/terellcodes/claim-assist/claims"
	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/database"
	"github.com/terellcodes/claim-assist/embeddings"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/knowledge"
	"github.com/terellcodes/claim-assist/llm"
	"github.com/terellcodes/claim-assist/metrics"
	"github.com/terellcodes/claim-assist/policy"
	"github.com/terellcodes/claim-assist/retrieval"
	"github.com/terellcodes/claim-assist/websearch"
)

// app holds every long-lived component built from one Config.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	index    *index.Index
	policies *policy.Service
	agents   *agent.Cache
	claims   *claims.Service
	closers  []func()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("embedder setup: %w", err)
	}
	client, err := llm.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("llm setup: %w", err)
	}

	var pool *pgxpool.Pool
	postgres := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := database.NewPostgresPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		if err := database.EnsureClaimSchema(ctx, p, cfg.Embeddings.Dimension); err != nil {
			return nil, err
		}
		pool = p
		return pool, nil
	}

	backend, err := a.vectorBackend(ctx, postgres)
	if err != nil {
		return err
	}
	a.index = index.New(backend, embedder,
		index.WithLogger(a.logger.Named("index")),
		index.WithBatchSize(cfg.Embeddings.BatchSize),
	)

	registry, err := a.policyRegistry(ctx, postgres)
	if err != nil {
		return err
	}

	var graph policy.Graph
	if cfg.Storage.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Storage.Neo4jURI, cfg.Storage.Neo4jUser, cfg.Storage.Neo4jPass)
		if err != nil {
			return fmt.Errorf("neo4j connection: %w", err)
		}
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
		graph = knowledge.NewGraph(driver, a.logger.Named("knowledge"))
	}

	a.policies = policy.NewService(a.index, registry, graph, policy.Options{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		Logger:       a.logger.Named("policy"),
		Metrics:      a.metrics,
	})

	factory := retrieval.NewFactory(a.index, cfg.Retrieval,
		retrieval.WithLogger(a.logger.Named("retrieval")),
		retrieval.WithMetrics(a.metrics),
	)

	tool := websearch.NewToolFromConfig(cfg.Search,
		websearch.WithLogger(a.logger.Named("websearch")),
		websearch.WithMetrics(a.metrics),
	)
	var search agent.WebSearcher
	if tool.Available() {
		search = tool
	} else {
		a.logger.Info("web search disabled, no Tavily API key configured")
	}

	a.agents = agent.NewCache(agent.NewBuilder(client, factory, search, agent.Options{
		MaxIterations: cfg.Agent.MaxIterations,
		LLMTimeout:    cfg.Agent.LLMTimeout,
		Logger:        a.logger.Named("agent"),
		Metrics:       a.metrics,
	}), a.logger.Named("agent_cache"))

	defaultStrategy, err := retrieval.ParseStrategy(cfg.Retrieval.DefaultStrategy)
	if err != nil {
		return fmt.Errorf("retrieval.default_strategy: %w", err)
	}
	a.claims = claims.NewService(a.agents, a.index, claims.Options{
		DefaultStrategy:      defaultStrategy,
		MinDescriptionLength: cfg.Agent.MinDescriptionLength,
		Logger:               a.logger.Named("claims"),
		Metrics:              a.metrics,
	})
	return nil
}

func (a *app) vectorBackend(ctx context.Context, postgres func() (*pgxpool.Pool, error)) (index.Backend, error) {
	switch a.cfg.Storage.VectorBackend {
	case config.BackendMemory, "":
		return index.NewMemoryBackend(), nil
	case config.BackendPostgres:
		pool, err := postgres()
		if err != nil {
			return nil, err
		}
		return index.NewPostgresBackend(pool), nil
	case config.BackendWeaviate:
		client, err := database.NewWeaviateClient(a.cfg.Storage.WeaviateURL)
		if err != nil {
			return nil, fmt.Errorf("weaviate connection: %w", err)
		}
		backend := index.NewWeaviateBackend(client)
		if err := backend.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported vector backend %q", a.cfg.Storage.VectorBackend)
	}
}

func (a *app) policyRegistry(ctx context.Context, postgres func() (*pgxpool.Pool, error)) (policy.Registry, error) {
	switch a.cfg.Storage.RegistryBackend {
	case config.BackendMemory, "":
		return policy.NewMemoryRegistry(), nil
	case config.BackendPostgres:
		pool, err := postgres()
		if err != nil {
			return nil, err
		}
		return policy.NewPostgresRegistry(pool), nil
	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite registry: %w", err)
		}
		a.closers = append(a.closers, func() { closeDB(db) })
		return policy.NewSQLiteRegistry(db), nil
	default:
		return nil, fmt.Errorf("unsupported registry backend %q", a.cfg.Storage.RegistryBackend)
	}
}

func closeDB(db *sql.DB) {
	_ = db.Close()
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
