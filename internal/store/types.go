// Package store is the Content Store: the durable record of organizations,
// users, documents, chunks, conversations, messages, and tool invocations.
//
// Every method that reads or writes organization-owned data takes the
// organization ID explicitly. Cross-organization access is rejected with
// ErrCrossOrg in application logic even though the schema also enforces it,
// so the isolation invariant holds regardless of the storage mechanism.
//
// Store is safe for concurrent use by multiple goroutines.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User roles. Mirrors the users.role check constraint.
const (
	RoleAdmin    = "admin"
	RoleMember   = "member"
	RoleReadonly = "readonly"
)

// Message roles. Mirrors the messages.role check constraint.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleTool      = "tool"
	MessageRoleSystem    = "system"
)

// Document ingestion states.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusIndexed    = "indexed"
	DocumentStatusFailed     = "failed"
)

// Document source kinds.
const (
	SourceWeb    = "web"
	SourceUpload = "upload"
)

// Organization is the tenant boundary. Every other entity transitively
// references exactly one organization.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User belongs to exactly one organization. Email is globally unique.
type User struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Document is a source artifact. (OrgID, ContentHash) is the dedup key:
// re-ingesting identical content returns the existing row.
type Document struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	CreatedBy   *uuid.UUID
	URI         string
	SourceType  string
	MIMEType    string
	ContentHash string
	Title       string
	Status      string
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is a contiguous slice of a document's text. Index values for a
// document form a gapless sequence starting at 0; chunks are immutable once
// created (re-chunking replaces, never patches in place). OrgID is
// denormalized for organization-scoped retrieval.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	OrgID      uuid.UUID
	Index      int
	Content    string
	TokenCount int
	CreatedAt  time.Time
}

// Conversation is a message thread owned by one organization.
type Conversation struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	CreatedBy *uuid.UUID
	Title     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a conversation. Messages are totally ordered by
// SequenceNumber; that order is the canonical history presented to the model.
//
// Content is a role-tagged JSON payload (see the conversation package for
// the per-role shapes) kept as raw bytes here so the store stays pure data.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        json.RawMessage
	TokenCount     *int
	ToolCall       json.RawMessage
	SequenceNumber int
	CreatedAt      time.Time
}

// ToolInvocation is an append-only audit record of one tool execution.
// Rows are never updated or deleted. OrgID is denormalized so audit queries
// stay organization-scoped without joining through conversations.
type ToolInvocation struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	OrgID          uuid.UUID
	Agent          string
	ToolName       string
	Input          json.RawMessage
	Output         json.RawMessage
	ErrorMsg       *string
	LatencyMS      int64
	CreatedAt      time.Time
}
