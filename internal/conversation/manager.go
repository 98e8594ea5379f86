// Package conversation manages message threads: creation, ordered append,
// history retrieval, and per-conversation turn locking.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/store"
)

// ConversationStore is the slice of the Content Store the manager needs.
type ConversationStore interface {
	CreateConversation(ctx context.Context, orgID uuid.UUID, createdBy *uuid.UUID, title *string) (*store.Conversation, error)
	Conversation(ctx context.Context, orgID, id uuid.UUID) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role string, content json.RawMessage, tokenCount *int, toolCall json.RawMessage) (*store.Message, error)
	Messages(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error)
}

// Manager owns conversation lifecycle and ordering. Sequence numbers are
// assigned by the store inside a row lock, so concurrent appends to one
// conversation serialize without gaps or duplicates.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	convs  ConversationStore
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*turnLock
}

// turnLock serializes turns of one conversation. refs counts holders plus
// waiters; the map entry is evicted when it drops to zero.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager.
func NewManager(convs ConversationStore, logger *slog.Logger) (*Manager, error) {
	if convs == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		convs:  convs,
		logger: logger,
		locks:  make(map[uuid.UUID]*turnLock),
	}, nil
}

// GetOrCreate resolves id to a conversation owned by orgID, creating a new
// conversation when id is nil. A conversation belonging to a different
// organization yields store.ErrCrossOrg.
func (m *Manager) GetOrCreate(ctx context.Context, orgID uuid.UUID, id *uuid.UUID, createdBy *uuid.UUID) (*store.Conversation, error) {
	if id == nil {
		conv, err := m.convs.CreateConversation(ctx, orgID, createdBy, nil)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("created conversation", "conversation_id", conv.ID, "org_id", orgID)
		return conv, nil
	}
	return m.convs.Conversation(ctx, orgID, *id)
}

// Append persists one message. Content must be a role-tagged payload built
// with one of the payload constructors in this package.
func (m *Manager) Append(ctx context.Context, conversationID uuid.UUID, role string, content json.RawMessage, toolCall json.RawMessage) (*store.Message, error) {
	tokens := estimateTokens(content)
	msg, err := m.convs.AppendMessage(ctx, conversationID, role, content, &tokens, toolCall)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("appended message",
		"conversation_id", conversationID, "role", role, "sequence", msg.SequenceNumber)
	return msg, nil
}

// History returns the conversation's messages in sequence order.
func (m *Manager) History(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error) {
	return m.convs.Messages(ctx, conversationID)
}

// LockTurn blocks until no other turn runs on the conversation, then returns
// the release function. Callers hold the lock for the duration of a turn;
// appends inside the turn then observe a stable history. The per-conversation
// entry is dropped once the last holder releases, so the lock table stays
// proportional to active conversations.
func (m *Manager) LockTurn(conversationID uuid.UUID) (unlock func()) {
	m.mu.Lock()
	lock, ok := m.locks[conversationID]
	if !ok {
		lock = &turnLock{}
		m.locks[conversationID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, conversationID)
		}
		m.mu.Unlock()
	}
}

// Truncate drops the oldest messages until the estimated token total fits
// budget. The most recent message is always kept, so a single oversized
// message still reaches the model rather than producing an empty context.
func Truncate(messages []store.Message, budget int) []store.Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	total := 0
	counts := make([]int, len(messages))
	for i, msg := range messages {
		n := 0
		if msg.TokenCount != nil {
			n = *msg.TokenCount
		} else {
			n = estimateTokens(msg.Content)
		}
		counts[i] = n
		total += n
	}

	start := 0
	for total > budget && start < len(messages)-1 {
		total -= counts[start]
		start++
	}
	return messages[start:]
}

// estimateTokens approximates the token count as half the rune count. Close
// enough for budgeting; exact counts depend on the model's tokenizer.
func estimateTokens(content json.RawMessage) int {
	return utf8.RuneCount(content) / 2
}
