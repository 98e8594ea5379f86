package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/conversation"
	"github.com/autobrain/autobrain/internal/orchestrator"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/tools"
)

type chatHandler struct {
	turns         TurnRunner
	conversations ConversationReader
	audit         AuditReader
	logger        *slog.Logger
}

type chatRequest struct {
	OrgID          string   `json:"org_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	Message        string   `json:"message"`
	Tools          []string `json:"tools,omitempty"`
}

type chatResponse struct {
	ConversationID string                   `json:"conversation_id"`
	Answer         string                   `json:"answer"`
	Sources        []conversation.SourceRef `json:"sources,omitempty"`
	ToolRounds     int                      `json:"tool_rounds"`
	State          string                   `json:"state"`
	ErrorDetail    string                   `json:"error_detail,omitempty"`
}

type messageResponse struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Content        json.RawMessage `json:"content"`
	SequenceNumber int             `json:"sequence_number"`
	CreatedAt      time.Time       `json:"created_at"`
}

type conversationResponse struct {
	ID        string            `json:"id"`
	OrgID     string            `json:"org_id"`
	Title     *string           `json:"title,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Messages  []messageResponse `json:"messages"`
}

type invocationResponse struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Agent          string          `json:"agent"`
	ToolName       string          `json:"tool_name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *string         `json:"error,omitempty"`
	LatencyMS      int64           `json:"latency_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// parseTurnRequest validates the shared chat body.
func (h *chatHandler) parseTurnRequest(r *http.Request) (orchestrator.TurnRequest, error) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		return orchestrator.TurnRequest{}, fmt.Errorf("malformed JSON body")
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		return orchestrator.TurnRequest{}, fmt.Errorf("org_id must be a UUID")
	}
	if req.Message == "" {
		return orchestrator.TurnRequest{}, fmt.Errorf("message is required")
	}

	turn := orchestrator.TurnRequest{
		OrgID:   orgID,
		UserID:  parseOptionalUUID(req.UserID),
		Message: req.Message,
		Tools:   req.Tools,
	}
	if req.ConversationID != "" {
		convID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return orchestrator.TurnRequest{}, fmt.Errorf("conversation_id must be a UUID")
		}
		turn.ConversationID = &convID
	}
	return turn, nil
}

func (h *chatHandler) query(w http.ResponseWriter, r *http.Request) {
	turn, err := h.parseTurnRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	result, err := h.turns.Turn(r.Context(), turn)
	if err != nil {
		h.writeTurnError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, turnToResponse(result), h.logger)
}

func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming", h.logger)
		return
	}

	turn, err := h.parseTurnRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_, err = h.turns.TurnStream(r.Context(), turn, func(_ context.Context, ev orchestrator.Event) error {
		return writeEvent(w, flusher, string(ev.Type), ev)
	})
	if err != nil {
		// Turn-level failures already arrive as error events; this path is
		// for requests that never started (bad conversation, unknown tool).
		_ = writeEvent(w, flusher, string(orchestrator.EventError), orchestrator.Event{
			Type:  orchestrator.EventError,
			Error: err.Error(),
		})
	}
}

func (h *chatHandler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolveConversation(w, r)
	if !ok {
		return
	}

	messages, err := h.conversations.Messages(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("loading messages", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	resp := conversationResponse{
		ID:        conv.ID.String(),
		OrgID:     conv.OrgID.String(),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		Messages:  make([]messageResponse, len(messages)),
	}
	for i, msg := range messages {
		resp.Messages[i] = messageResponse{
			ID:             msg.ID.String(),
			Role:           msg.Role,
			Content:        msg.Content,
			SequenceNumber: msg.SequenceNumber,
			CreatedAt:      msg.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *chatHandler) listInvocations(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolveConversation(w, r)
	if !ok {
		return
	}

	invs, err := h.audit.List(r.Context(), conv.OrgID, conv.ID)
	if err != nil {
		h.logger.Error("listing invocations", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	resp := make([]invocationResponse, len(invs))
	for i, inv := range invs {
		resp[i] = invocationResponse{
			ID:             inv.ID.String(),
			ConversationID: inv.ConversationID.String(),
			Agent:          inv.Agent,
			ToolName:       inv.ToolName,
			Input:          inv.Input,
			Output:         inv.Output,
			Error:          inv.ErrorMsg,
			LatencyMS:      inv.LatencyMS,
			CreatedAt:      inv.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocations": resp}, h.logger)
}

// resolveConversation parses the path id and org_id query parameter and
// loads the conversation with organization enforcement.
func (h *chatHandler) resolveConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "conversation id must be a UUID", h.logger)
		return nil, false
	}
	orgID, err := uuid.Parse(r.URL.Query().Get("org_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_org_id", "org_id query parameter must be a UUID", h.logger)
		return nil, false
	}

	conv, err := h.conversations.Conversation(r.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCrossOrg) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)
			return nil, false
		}
		h.logger.Error("loading conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return nil, false
	}
	return conv, true
}

func (h *chatHandler) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCrossOrg):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)
	case errors.Is(err, tools.ErrUnknownTool):
		writeError(w, http.StatusBadRequest, "unknown_tool", err.Error(), h.logger)
	default:
		h.logger.Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

func turnToResponse(result *orchestrator.TurnResult) chatResponse {
	return chatResponse{
		ConversationID: result.ConversationID.String(),
		Answer:         result.Answer,
		Sources:        result.Sources,
		ToolRounds:     result.ToolRounds,
		State:          result.State.String(),
		ErrorDetail:    result.ErrorDetail,
	}
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
