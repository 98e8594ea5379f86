package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateConversation starts a new conversation thread for an organization.
func (s *Store) CreateConversation(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID, title *string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (org_id, created_by, title)
		 VALUES ($1, $2, $3)
		 RETURNING id, org_id, created_by, title, created_at, updated_at`,
		orgID, createdBy, title).
		Scan(&conv.ID, &conv.OrgID, &conv.CreatedBy, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "org_id", orgID)
	return conv, nil
}

// Conversation fetches a conversation by ID, enforcing organization ownership.
func (s *Store) Conversation(ctx context.Context, orgID, id uuid.UUID) (*Conversation, error) {
	conv := &Conversation{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, created_by, title, created_at, updated_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.OrgID, &conv.CreatedBy, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}
	if conv.OrgID != orgID {
		s.logger.Error("cross-organization conversation access",
			"conversation_id", id, "owner_org", conv.OrgID, "requested_org", orgID)
		return nil, fmt.Errorf("conversation %s: %w", id, ErrCrossOrg)
	}
	return conv, nil
}

// AppendMessage appends one message to a conversation, assigning the next
// sequence number under a row lock so concurrent appends serialize and the
// history order is never ambiguous.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role string, content json.RawMessage, tokenCount *int, toolCall json.RawMessage) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the conversation row: appends to the same conversation serialize here.
	var lockedID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).
		Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking conversation: %w", err)
	}

	msg := &Message{}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, token_count, tool_call, sequence_number)
		 SELECT $1, $2, $3, $4, $5, COALESCE(MAX(sequence_number) + 1, 0)
		 FROM messages WHERE conversation_id = $1
		 RETURNING id, conversation_id, role, content, token_count, tool_call, sequence_number, created_at`,
		conversationID, role, content, tokenCount, toolCall).
		Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.TokenCount,
			&msg.ToolCall, &msg.SequenceNumber, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return msg, nil
}

// Messages returns a conversation's messages in creation order.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, token_count, tool_call, sequence_number, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY sequence_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokenCount,
			&m.ToolCall, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentDocuments lists documents for an organization created within the
// last `days` days, newest first. Used by the weekly summarizer.
func (s *Store) RecentDocuments(ctx context.Context, orgID uuid.UUID, days int) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, created_by, uri, source_type, mime_type, content_hash, title, status, error_msg, created_at, updated_at
		 FROM documents
		 WHERE org_id = $1 AND created_at > now() - make_interval(days => $2)
		 ORDER BY created_at DESC`, orgID, days)
	if err != nil {
		return nil, fmt.Errorf("listing recent documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.OrgID, &d.CreatedBy, &d.URI, &d.SourceType, &d.MIMEType,
			&d.ContentHash, &d.Title, &d.Status, &d.ErrorMsg, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
