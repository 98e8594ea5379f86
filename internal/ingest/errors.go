package ingest

import "errors"

// Sentinel errors for ingestion. A dedup hit is not an error: re-ingesting
// identical content resolves silently to the existing document.
var (
	// ErrFetch indicates the source content could not be retrieved.
	ErrFetch = errors.New("fetching source content")

	// ErrUnsupportedContent indicates the content type cannot be ingested.
	ErrUnsupportedContent = errors.New("unsupported content type")

	// ErrEmptyContent indicates the content was empty after normalization.
	ErrEmptyContent = errors.New("empty content after normalization")
)
