package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertToolInvocation appends one row to the tool invocation ledger.
// The ledger is append-only: there is deliberately no update or delete.
func (s *Store) InsertToolInvocation(ctx context.Context, inv *ToolInvocation) (*ToolInvocation, error) {
	out := &ToolInvocation{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tool_invocations (conversation_id, org_id, agent, tool_name, input, output, error_msg, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, conversation_id, org_id, agent, tool_name, input, output, error_msg, latency_ms, created_at`,
		inv.ConversationID, inv.OrgID, inv.Agent, inv.ToolName, inv.Input, inv.Output, inv.ErrorMsg, inv.LatencyMS).
		Scan(&out.ID, &out.ConversationID, &out.OrgID, &out.Agent, &out.ToolName,
			&out.Input, &out.Output, &out.ErrorMsg, &out.LatencyMS, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting tool invocation: %w", err)
	}
	return out, nil
}

// ToolInvocations returns the ledger rows for a conversation in call order,
// scoped by organization.
func (s *Store) ToolInvocations(ctx context.Context, orgID, conversationID uuid.UUID) ([]ToolInvocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, org_id, agent, tool_name, input, output, error_msg, latency_ms, created_at
		 FROM tool_invocations
		 WHERE org_id = $1 AND conversation_id = $2
		 ORDER BY created_at`, orgID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing tool invocations: %w", err)
	}
	defer rows.Close()

	var invs []ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		if err := rows.Scan(&inv.ID, &inv.ConversationID, &inv.OrgID, &inv.Agent, &inv.ToolName,
			&inv.Input, &inv.Output, &inv.ErrorMsg, &inv.LatencyMS, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}
