// Package api exposes the ingestion, chat, conversation, and scheduling
// operations over HTTP with JSON bodies and SSE streaming.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/orchestrator"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/summary"
)

// Ingestor runs the ingestion pipeline. Implemented by ingest.Pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID, src ingest.Source) (*store.Document, error)
}

// DocumentReader fetches documents with organization enforcement.
type DocumentReader interface {
	Document(ctx context.Context, orgID, id uuid.UUID) (*store.Document, error)
}

// TurnRunner executes agent turns. Implemented by orchestrator.Orchestrator.
type TurnRunner interface {
	Turn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
	TurnStream(ctx context.Context, req orchestrator.TurnRequest, sink orchestrator.EventSink) (*orchestrator.TurnResult, error)
}

// ConversationReader reads conversations and their histories.
type ConversationReader interface {
	Conversation(ctx context.Context, orgID, id uuid.UUID) (*store.Conversation, error)
	Messages(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error)
}

// AuditReader lists a conversation's tool invocations.
type AuditReader interface {
	List(ctx context.Context, orgID, conversationID uuid.UUID) ([]store.ToolInvocation, error)
}

// Summarizer schedules summary jobs. Implemented by summary.Scheduler.
type Summarizer interface {
	Schedule(orgID uuid.UUID, query string, days int) uuid.UUID
	Job(id uuid.UUID) (summary.Job, bool)
}

// Pinger reports storage liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig carries the server's dependencies.
type ServerConfig struct {
	Logger        *slog.Logger
	Ingestor      Ingestor           // required
	Documents     DocumentReader     // required
	Turns         TurnRunner         // required
	Conversations ConversationReader // required
	Audit         AuditReader        // required
	Summaries     Summarizer         // optional: nil disables /actions routes
	Pinger        Pinger             // optional: nil makes /ready report ok
	RateBurst     int                // per-IP burst; 0 = 60
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Documents == nil {
		return nil, errors.New("document reader is required")
	}
	if cfg.Turns == nil {
		return nil, errors.New("turn runner is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation reader is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit reader is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ih := &ingestHandler{pipeline: cfg.Ingestor, documents: cfg.Documents, logger: logger}
	ch := &chatHandler{turns: cfg.Turns, conversations: cfg.Conversations, audit: cfg.Audit, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/url", ih.ingestURL)
	mux.HandleFunc("POST /ingest/upload", ih.ingestUpload)
	mux.HandleFunc("GET /documents/{id}", ih.getDocument)

	mux.HandleFunc("POST /chat/query", ch.query)
	mux.HandleFunc("POST /chat/stream", ch.stream)
	mux.HandleFunc("GET /conversations/{id}", ch.getConversation)
	mux.HandleFunc("GET /conversations/{id}/invocations", ch.listInvocations)

	if cfg.Summaries != nil {
		ah := &actionsHandler{summaries: cfg.Summaries, logger: logger}
		mux.HandleFunc("POST /actions/summarize-weekly", ah.summarizeWeekly)
		mux.HandleFunc("GET /actions/jobs/{id}", ah.getJob)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> RateLimit -> Routes
	// RequestID sits before Logging so request_id lands in log attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pinger, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
