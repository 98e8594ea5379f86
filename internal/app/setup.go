package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autobrain/autobrain/db"
	httpapi "github.com/autobrain/autobrain/internal/api"
	"github.com/autobrain/autobrain/internal/audit"
	"github.com/autobrain/autobrain/internal/config"
	"github.com/autobrain/autobrain/internal/conversation"
	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/log"
	"github.com/autobrain/autobrain/internal/observability"
	"github.com/autobrain/autobrain/internal/orchestrator"
	"github.com/autobrain/autobrain/internal/retrieval"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/summary"
	"github.com/autobrain/autobrain/internal/tools"
)

// Setup creates and initializes the application. Call Close on the returned
// App to release everything.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}

	// On error, release everything initialized so far.
	defer func() {
		if retErr != nil {
			_ = a.Close()
		}
	}()

	a.Logger = log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	// Tracing attaches to Genkit's TracerProvider, so it must come before
	// genkit.Init.
	otelShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.otelShutdown = otelShutdown

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.Store = store.New(pool, a.Logger)

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Retrieval, err = retrieval.New(a.Store, embedder, cfg.RetrievalK, a.Logger)
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	fetcher := ingest.NewHTTPFetcher(nil)

	a.Pipeline, err = ingest.New(ingest.Config{
		Docs:          a.Store,
		Indexer:       a.Retrieval,
		Fetcher:       fetcher,
		ChunkSize:     cfg.ChunkSize,
		ChunkOverlap:  cfg.ChunkOverlap,
		Workers:       cfg.IndexWorkers,
		BackgroundCtx: bgCtx,
		Logger:        a.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.Conversations, err = conversation.NewManager(a.Store, a.Logger)
	if err != nil {
		return nil, err
	}

	a.Tools, err = tools.NewRegistry(g, a.Retrieval, fetcher, a.Logger)
	if err != nil {
		return nil, err
	}

	a.Audit, err = audit.NewRecorder(a.Store, a.Logger)
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Model:         orchestrator.NewGenkitModel(g, cfg.ModelName),
		Conversations: a.Conversations,
		Retriever:     a.Retrieval,
		Tools:         a.Tools,
		Audit:         a.Audit,
		MaxToolRounds: cfg.MaxToolRounds,
		TurnTimeout:   time.Duration(cfg.TurnTimeoutSeconds) * time.Second,
		RetrievalK:    cfg.RetrievalK,
		HistoryTokens: cfg.HistoryTokens,
		Logger:        a.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.Scheduler, err = summary.NewScheduler(summary.Config{
		Turner:        a.Orchestrator,
		Docs:          a.Store,
		Logger:        a.Logger,
		BackgroundCtx: bgCtx,
	})
	if err != nil {
		return nil, err
	}

	a.Server, err = httpapi.NewServer(httpapi.ServerConfig{
		Logger:        a.Logger,
		Ingestor:      a.Pipeline,
		Documents:     a.Store,
		Turns:         a.Orchestrator,
		Conversations: a.Store,
		Audit:         a.Audit,
		Summaries:     a.Scheduler,
		Pinger:        a.Store,
		RateBurst:     cfg.RateBurst,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the configured AI provider.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no auto-discovery; models register explicitly.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		return g, nil

	case config.ProviderOpenAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		return g, nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		return g, nil
	}
}

// provideEmbedder looks up the embedder registered by the provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Ollama embedders are keyed by server address.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}
