package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/store"
)

type ingestHandler struct {
	pipeline  Ingestor
	documents DocumentReader
	logger    *slog.Logger
}

type ingestURLRequest struct {
	OrgID  string `json:"org_id"`
	URL    string `json:"url"`
	Source string `json:"source,omitempty"` // persisted source label; defaults to web
	UserID string `json:"user_id,omitempty"`
}

type ingestUploadRequest struct {
	OrgID    string `json:"org_id"`
	Content  string `json:"content"`
	Title    string `json:"title,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

type ingestResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

type documentResponse struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	URI        string    `json:"uri,omitempty"`
	SourceType string    `json:"source_type"`
	MIMEType   string    `json:"mime_type"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status"`
	ErrorMsg   string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *ingestHandler) ingestURL(w http.ResponseWriter, r *http.Request) {
	var req ingestURLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", h.logger)
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_org_id", "org_id must be a UUID", h.logger)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_url", "url is required", h.logger)
		return
	}

	sourceType := req.Source
	if sourceType == "" {
		sourceType = store.SourceWeb
	}

	doc, err := h.pipeline.Ingest(r.Context(), orgID, parseOptionalUUID(req.UserID), ingest.Source{
		Kind:       store.SourceWeb,
		SourceType: sourceType,
		URL:        req.URL,
	})
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{DocumentID: doc.ID.String(), Status: doc.Status}, h.logger)
}

func (h *ingestHandler) ingestUpload(w http.ResponseWriter, r *http.Request) {
	var req ingestUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", h.logger)
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_org_id", "org_id must be a UUID", h.logger)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "missing_content", "content is required", h.logger)
		return
	}

	doc, err := h.pipeline.Ingest(r.Context(), orgID, parseOptionalUUID(req.UserID), ingest.Source{
		Kind:    store.SourceUpload,
		Content: req.Content,
		Title:   req.Title,
		MIME:    req.MIMEType,
	})
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{DocumentID: doc.ID.String(), Status: doc.Status}, h.logger)
}

func (h *ingestHandler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID", h.logger)
		return
	}
	orgID, err := uuid.Parse(r.URL.Query().Get("org_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_org_id", "org_id query parameter must be a UUID", h.logger)
		return
	}

	doc, err := h.documents.Document(r.Context(), orgID, id)
	if err != nil {
		// Cross-organization reads look identical to missing documents so
		// document ids cannot be probed across tenants.
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCrossOrg) {
			writeError(w, http.StatusNotFound, "not_found", "document not found", h.logger)
			return
		}
		h.logger.Error("fetching document", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, documentResponse{
		ID:         doc.ID.String(),
		OrgID:      doc.OrgID.String(),
		URI:        doc.URI,
		SourceType: doc.SourceType,
		MIMEType:   doc.MIMEType,
		Title:      doc.Title,
		Status:     doc.Status,
		ErrorMsg:   doc.ErrorMsg,
		CreatedAt:  doc.CreatedAt,
	}, h.logger)
}

func (h *ingestHandler) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrEmptyContent):
		writeError(w, http.StatusUnprocessableEntity, "empty_content", "source has no usable text content", h.logger)
	case errors.Is(err, ingest.ErrUnsupportedContent):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_content", err.Error(), h.logger)
	case errors.Is(err, ingest.ErrFetch):
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error(), h.logger)
	default:
		h.logger.Error("ingestion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

func parseOptionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
