// Package ingest implements the document ingestion pipeline: fetch a source,
// normalize and fingerprint its content, split it into chunks, persist the
// document atomically, and dispatch chunks for embedding.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/autobrain/autobrain/internal/store"
)

// DocumentStore is the slice of the Content Store the pipeline needs.
type DocumentStore interface {
	CreateDocumentWithChunks(ctx context.Context, doc *store.Document, chunks []*store.Chunk) (*store.Document, bool, error)
	ChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]store.Chunk, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status, errorMsg string) error
}

// Indexer embeds and stores a chunk's vector. Implemented by retrieval.Engine.
type Indexer interface {
	Index(ctx context.Context, chunk store.Chunk) error
}

// Source describes one retrievable content source.
type Source struct {
	Kind       string // store.SourceWeb or store.SourceUpload; selects the fetch path
	SourceType string // persisted source label; defaults to Kind
	URL        string // required for web sources
	Content    string // required for uploads
	MIME       string // optional; uploads default to text/plain
	Title      string // optional override
}

// Pipeline ingests documents for the knowledge base.
//
// The document and all its chunks commit in one transaction; embedding runs
// afterwards on a worker pool, moving the document from processing to
// indexed (or failed). Re-ingesting identical content returns the existing
// document without re-chunking.
type Pipeline struct {
	docs    DocumentStore
	indexer Indexer
	fetcher Fetcher
	chunker *Chunker
	pool    *ants.Pool
	logger  *slog.Logger

	// bgCtx outlives individual requests: embedding continues after the
	// ingest response is sent. wg tracks in-flight jobs for shutdown.
	bgCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	wg    sync.WaitGroup
}

// Config carries the pipeline's dependencies.
type Config struct {
	Docs          DocumentStore
	Indexer       Indexer
	Fetcher       Fetcher // nil = HTTPFetcher with defaults
	ChunkSize     int
	ChunkOverlap  int
	Workers       int             // embedding pool size; 0 = NumCPU/2, min 1
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context
	Logger        *slog.Logger
}

// New creates a Pipeline. Call Close to release the worker pool.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.Indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
		if workers < 1 {
			workers = 1
		}
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	return &Pipeline{
		docs:    cfg.Docs,
		indexer: cfg.Indexer,
		fetcher: fetcher,
		chunker: NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		pool:    pool,
		logger:  logger,
		bgCtx:   bgCtx,
	}, nil
}

// Close waits for in-flight embedding jobs and releases the worker pool.
func (p *Pipeline) Close() {
	p.wg.Wait()
	p.pool.Release()
}

// Ingest retrieves src for orgID and returns the resulting document.
//
// Identical content (same organization, same fingerprint) resolves to the
// existing document: no new rows, no re-chunking, no re-embedding. Failures
// before commit leave no partial document or chunk rows behind.
func (p *Pipeline) Ingest(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID, src Source) (*store.Document, error) {
	fetched, err := p.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	content := normalize(fetched.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyContent, src.URL)
	}

	hash := fingerprint(content)
	pieces := p.chunker.Split(content)

	chunks := make([]*store.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &store.Chunk{
			Index:      piece.Index,
			Content:    piece.Content,
			TokenCount: piece.TokenCount,
		}
	}

	title := src.Title
	if title == "" {
		title = fetched.Title
	}

	sourceType := src.SourceType
	if sourceType == "" {
		sourceType = src.Kind
	}

	doc, created, err := p.docs.CreateDocumentWithChunks(ctx, &store.Document{
		OrgID:       orgID,
		CreatedBy:   createdBy,
		URI:         src.URL,
		SourceType:  sourceType,
		MIMEType:    fetched.MIMEType,
		ContentHash: hash,
		Title:       title,
	}, chunks)
	if err != nil {
		return nil, fmt.Errorf("persisting document: %w", err)
	}

	if !created {
		p.logger.Debug("duplicate ingestion resolved to existing document",
			"document_id", doc.ID, "org_id", orgID, "hash", hash)
		return doc, nil
	}

	p.dispatchEmbedding(doc.ID)

	p.logger.Info("ingested document",
		"document_id", doc.ID, "org_id", orgID, "chunks", len(chunks), "source", src.Kind)
	return doc, nil
}

// resolve fetches web sources and validates uploads.
func (p *Pipeline) resolve(ctx context.Context, src Source) (*Fetched, error) {
	switch src.Kind {
	case store.SourceWeb:
		return p.fetcher.Fetch(ctx, src.URL)
	case store.SourceUpload:
		mimeType := src.MIME
		if mimeType == "" {
			mimeType = "text/plain"
		}
		if !strings.HasPrefix(mimeType, "text/") && mimeType != "application/xhtml+xml" {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, mimeType)
		}
		return &Fetched{Title: src.Title, MIMEType: mimeType, Content: src.Content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrUnsupportedContent, src.Kind)
	}
}

// dispatchEmbedding submits a background job that embeds every chunk of the
// document, then transitions its status to indexed or failed.
func (p *Pipeline) dispatchEmbedding(documentID uuid.UUID) {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		p.embedDocument(p.bgCtx, documentID)
	})
	if err != nil {
		p.wg.Done()
		// Pool saturated or released: mark failed so the status endpoint
		// reflects reality instead of a forever-processing document.
		p.logger.Error("submitting embedding job", "document_id", documentID, "error", err)
		if updErr := p.docs.UpdateDocumentStatus(p.bgCtx, documentID, store.DocumentStatusFailed, err.Error()); updErr != nil {
			p.logger.Error("marking document failed", "document_id", documentID, "error", updErr)
		}
	}
}

func (p *Pipeline) embedDocument(ctx context.Context, documentID uuid.UUID) {
	chunks, err := p.docs.ChunksByDocument(ctx, documentID)
	if err != nil {
		p.failDocument(ctx, documentID, err)
		return
	}

	for _, chunk := range chunks {
		if err := p.indexer.Index(ctx, chunk); err != nil {
			p.failDocument(ctx, documentID, fmt.Errorf("indexing chunk %d: %w", chunk.Index, err))
			return
		}
	}

	if err := p.docs.UpdateDocumentStatus(ctx, documentID, store.DocumentStatusIndexed, ""); err != nil {
		p.logger.Error("marking document indexed", "document_id", documentID, "error", err)
		return
	}
	p.logger.Debug("document indexed", "document_id", documentID, "chunks", len(chunks))
}

func (p *Pipeline) failDocument(ctx context.Context, documentID uuid.UUID, cause error) {
	p.logger.Error("embedding document failed", "document_id", documentID, "error", cause)
	if err := p.docs.UpdateDocumentStatus(ctx, documentID, store.DocumentStatusFailed, cause.Error()); err != nil {
		p.logger.Error("marking document failed", "document_id", documentID, "error", err)
	}
}

// fingerprint computes the stable content fingerprint: SHA-256 over the
// normalized bytes, hex encoded.
func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
