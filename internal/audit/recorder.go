// Package audit records tool invocations in an append-only ledger.
//
// One row per tool execution, written before the turn proceeds. Rows are
// never updated or deleted; the ledger is the authoritative record of what
// the agent did on an organization's behalf.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/store"
)

// Ledger is the slice of the Content Store the recorder needs.
type Ledger interface {
	InsertToolInvocation(ctx context.Context, inv *store.ToolInvocation) (*store.ToolInvocation, error)
	ToolInvocations(ctx context.Context, orgID, conversationID uuid.UUID) ([]store.ToolInvocation, error)
}

// Entry describes one tool execution to record. Err is nil on success.
type Entry struct {
	ConversationID uuid.UUID
	OrgID          uuid.UUID
	Agent          string
	Tool           string
	Input          json.RawMessage
	Output         json.RawMessage
	Err            error
	Latency        time.Duration
}

// Recorder writes tool invocation rows. A failed write is a hard error for
// the caller: a tool execution without its ledger row must not be acted on.
type Recorder struct {
	ledger Ledger
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(ledger Ledger, logger *slog.Logger) (*Recorder, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{ledger: ledger, logger: logger}, nil
}

// Record persists one entry. Failed executions are recorded the same as
// successes, with the error message instead of output.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	var errMsg *string
	if e.Err != nil {
		s := e.Err.Error()
		errMsg = &s
	}

	inv, err := r.ledger.InsertToolInvocation(ctx, &store.ToolInvocation{
		ConversationID: e.ConversationID,
		OrgID:          e.OrgID,
		Agent:          e.Agent,
		ToolName:       e.Tool,
		Input:          e.Input,
		Output:         e.Output,
		ErrorMsg:       errMsg,
		LatencyMS:      e.Latency.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("recording tool invocation %q: %w", e.Tool, err)
	}

	r.logger.Debug("recorded tool invocation",
		"invocation_id", inv.ID, "tool", e.Tool, "conversation_id", e.ConversationID,
		"latency_ms", inv.LatencyMS, "failed", e.Err != nil)
	return nil
}

// List returns the conversation's invocations in recording order, scoped to
// orgID.
func (r *Recorder) List(ctx context.Context, orgID, conversationID uuid.UUID) ([]store.ToolInvocation, error) {
	return r.ledger.ToolInvocations(ctx, orgID, conversationID)
}
