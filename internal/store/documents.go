package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// CreateDocumentWithChunks atomically inserts a document and its chunks.
//
// Dedup is part of the same statement: if a document with the same
// (org_id, content_hash) already exists, no rows are written and the
// existing document is returned with created == false. Either the document
// and every chunk commit together, or nothing is visible.
func (s *Store) CreateDocumentWithChunks(ctx context.Context, doc *Document, chunks []*Chunk) (result *Document, created bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := &Document{}
	err = tx.QueryRow(ctx,
		`INSERT INTO documents (org_id, created_by, uri, source_type, mime_type, content_hash, title, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (org_id, content_hash) DO NOTHING
		 RETURNING id, org_id, created_by, uri, source_type, mime_type, content_hash, title, status, error_msg, created_at, updated_at`,
		doc.OrgID, doc.CreatedBy, doc.URI, doc.SourceType, doc.MIMEType, doc.ContentHash, doc.Title, DocumentStatusProcessing).
		Scan(&inserted.ID, &inserted.OrgID, &inserted.CreatedBy, &inserted.URI, &inserted.SourceType,
			&inserted.MIMEType, &inserted.ContentHash, &inserted.Title, &inserted.Status,
			&inserted.ErrorMsg, &inserted.CreatedAt, &inserted.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: identical content already ingested for this organization.
		existing, findErr := s.DocumentByHash(ctx, doc.OrgID, doc.ContentHash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inserting document: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (document_id, org_id, chunk_index, content, token_count)
			 VALUES ($1, $2, $3, $4, $5)`,
			inserted.ID, doc.OrgID, c.Index, c.Content, c.TokenCount)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, execErr := br.Exec(); execErr != nil {
			_ = br.Close()
			return nil, false, fmt.Errorf("inserting chunk: %w", execErr)
		}
	}
	if err := br.Close(); err != nil {
		return nil, false, fmt.Errorf("closing chunk batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing document: %w", err)
	}

	s.logger.Debug("created document",
		"id", inserted.ID, "org_id", doc.OrgID, "chunks", len(chunks))
	return inserted, true, nil
}

// Document fetches a document by ID, enforcing organization ownership.
func (s *Store) Document(ctx context.Context, orgID, id uuid.UUID) (*Document, error) {
	doc := &Document{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, created_by, uri, source_type, mime_type, content_hash, title, status, error_msg, created_at, updated_at
		 FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.OrgID, &doc.CreatedBy, &doc.URI, &doc.SourceType, &doc.MIMEType,
			&doc.ContentHash, &doc.Title, &doc.Status, &doc.ErrorMsg, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	if doc.OrgID != orgID {
		s.logger.Error("cross-organization document access",
			"document_id", id, "owner_org", doc.OrgID, "requested_org", orgID)
		return nil, fmt.Errorf("document %s: %w", id, ErrCrossOrg)
	}
	return doc, nil
}

// DocumentByHash looks up a document by its dedup key.
func (s *Store) DocumentByHash(ctx context.Context, orgID uuid.UUID, hash string) (*Document, error) {
	doc := &Document{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, created_by, uri, source_type, mime_type, content_hash, title, status, error_msg, created_at, updated_at
		 FROM documents WHERE org_id = $1 AND content_hash = $2`, orgID, hash).
		Scan(&doc.ID, &doc.OrgID, &doc.CreatedBy, &doc.URI, &doc.SourceType, &doc.MIMEType,
			&doc.ContentHash, &doc.Title, &doc.Status, &doc.ErrorMsg, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document hash %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document by hash: %w", err)
	}
	return doc, nil
}

// UpdateDocumentStatus transitions a document's ingestion status.
// errorMsg is stored only for DocumentStatusFailed.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status, errorMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, error_msg = $3 WHERE id = $1`,
		id, status, errorMsg)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ChunksByDocument returns a document's chunks ordered by chunk index.
func (s *Store) ChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, org_id, chunk_index, content, token_count, created_at
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OrgID, &c.Index, &c.Content, &c.TokenCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of chunks for a document.
func (s *Store) ChunkCount(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// SetChunkEmbedding stores the embedding vector for a chunk.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chunks SET embedding = $2 WHERE id = $1`, chunkID, embedding)
	if err != nil {
		return fmt.Errorf("storing chunk embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return nil
}

// ChunkSearchResult is one similarity search hit.
type ChunkSearchResult struct {
	Chunk      Chunk
	SourceType string
	URI        string
	Title      string
	Similarity float64
}

// SearchChunks returns the k nearest chunks to the query embedding within
// one organization. The organization filter is part of the WHERE clause, not
// a post-filter, so results can never leak across tenants under a LIMIT.
// Ties are broken by document recency (newest first), then lowest chunk index.
func (s *Store) SearchChunks(ctx context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]ChunkSearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.org_id, c.chunk_index, c.content, c.token_count, c.created_at,
		        d.source_type, d.uri, d.title,
		        1 - (c.embedding <=> $2) AS similarity
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.org_id = $1 AND c.embedding IS NOT NULL
		 ORDER BY c.embedding <=> $2, d.created_at DESC, c.chunk_index ASC
		 LIMIT $3`,
		orgID, query, k)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []ChunkSearchResult
	for rows.Next() {
		var r ChunkSearchResult
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.OrgID, &r.Chunk.Index,
			&r.Chunk.Content, &r.Chunk.TokenCount, &r.Chunk.CreatedAt,
			&r.SourceType, &r.URI, &r.Title, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
