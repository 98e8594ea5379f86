// Package app wires the application together: configuration, storage,
// Genkit provider setup, the ingestion pipeline, and the HTTP server.
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autobrain/autobrain/internal/api"
	"github.com/autobrain/autobrain/internal/audit"
	"github.com/autobrain/autobrain/internal/config"
	"github.com/autobrain/autobrain/internal/conversation"
	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/orchestrator"
	"github.com/autobrain/autobrain/internal/retrieval"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/summary"
	"github.com/autobrain/autobrain/internal/tools"
)

// App is the application container. Setup initializes every field; Close
// releases them in reverse dependency order.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Pool     *pgxpool.Pool
	Store    *store.Store

	Retrieval     *retrieval.Engine
	Pipeline      *ingest.Pipeline
	Conversations *conversation.Manager
	Tools         *tools.Registry
	Audit         *audit.Recorder
	Orchestrator  *orchestrator.Orchestrator
	Scheduler     *summary.Scheduler
	Server        *api.Server

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// Close shuts the application down. Background workers stop before the
// resources they depend on.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.Scheduler != nil {
		a.Scheduler.Close()
	}
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
	}
	return nil
}

// parseLogLevel maps a config string to a slog level, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
