// Package retrieval embeds text and runs organization-scoped vector search
// over the chunk index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/autobrain/autobrain/internal/store"
)

// ErrUnavailable reports that the embedding backend could not serve the
// request. Callers decide whether to degrade (answer without context) or
// fail the operation.
var ErrUnavailable = errors.New("retrieval unavailable")

// searchTimeout bounds one query embedding plus the vector search.
const searchTimeout = 10 * time.Second

// ChunkStore is the slice of the Content Store the engine needs.
type ChunkStore interface {
	SetChunkEmbedding(ctx context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error
	SearchChunks(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]store.ChunkSearchResult, error)
}

// Engine generates embeddings and searches the chunk index. Every search is
// scoped to one organization; the filter is applied in the SQL predicate,
// never post-hoc on result rows.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	chunks   ChunkStore
	embedder ai.Embedder
	topK     int
	logger   *slog.Logger
}

// New creates an Engine. topK <= 0 falls back to 5.
func New(chunks ChunkStore, embedder ai.Embedder, topK int, logger *slog.Logger) (*Engine, error) {
	if chunks == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{chunks: chunks, embedder: embedder, topK: topK, logger: logger}, nil
}

// Index embeds one chunk's content and stores the vector.
func (e *Engine) Index(ctx context.Context, chunk store.Chunk) error {
	vec, err := e.embed(ctx, chunk.Content)
	if err != nil {
		return fmt.Errorf("embedding chunk %d of document %s: %w", chunk.Index, chunk.DocumentID, err)
	}
	if err := e.chunks.SetChunkEmbedding(ctx, chunk.ID, vec); err != nil {
		return err
	}
	e.logger.Debug("indexed chunk", "chunk_id", chunk.ID, "document_id", chunk.DocumentID, "index", chunk.Index)
	return nil
}

// Search returns the k chunks of orgID most similar to query, best first.
// k <= 0 uses the engine default. Ties on distance resolve to newer
// documents first, then lower chunk index, so results are deterministic.
func (e *Engine) Search(ctx context.Context, orgID uuid.UUID, query string, k int) ([]store.ChunkSearchResult, error) {
	if k <= 0 {
		k = e.topK
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := e.embed(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := e.chunks.SearchChunks(queryCtx, orgID, vec, k)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: search timeout: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}

	e.logger.Debug("retrieval search", "org_id", orgID, "k", k, "results", len(results))
	return results, nil
}

func (e *Engine) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return pgvector.Vector{}, fmt.Errorf("%w: embedding timeout: %v", ErrUnavailable, err)
		}
		return pgvector.Vector{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("%w: empty embedding returned", ErrUnavailable)
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
