package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/autobrain/autobrain/internal/audit"
	"github.com/autobrain/autobrain/internal/conversation"
	"github.com/autobrain/autobrain/internal/log"
	"github.com/autobrain/autobrain/internal/retrieval"
	"github.com/autobrain/autobrain/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedModel returns canned responses in order.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*ai.ModelResponse
	errs      []error
	calls     int
}

func (s *scriptedModel) Generate(ctx context.Context, _ ...ai.GenerateOption) (*ai.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return textResponse("fallback"), nil
	}
	return s.responses[i], nil
}

func textResponse(text string) *ai.ModelResponse {
	return &ai.ModelResponse{
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(text)},
		},
	}
}

func toolResponse(reqs ...*ai.ToolRequest) *ai.ModelResponse {
	parts := make([]*ai.Part, len(reqs))
	for i, tr := range reqs {
		parts[i] = &ai.Part{Kind: ai.PartToolRequest, ToolRequest: tr}
	}
	return &ai.ModelResponse{
		Message: &ai.Message{Role: ai.RoleModel, Content: parts},
	}
}

// fakeConvs implements Conversations in memory.
type fakeConvs struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*store.Conversation
	messages map[uuid.UUID][]store.Message
	locks    map[uuid.UUID]*sync.Mutex
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{
		convs:    make(map[uuid.UUID]*store.Conversation),
		messages: make(map[uuid.UUID][]store.Message),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (f *fakeConvs) GetOrCreate(_ context.Context, orgID uuid.UUID, id *uuid.UUID, createdBy *uuid.UUID) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == nil {
		conv := &store.Conversation{ID: uuid.New(), OrgID: orgID, CreatedBy: createdBy}
		f.convs[conv.ID] = conv
		return conv, nil
	}
	conv, ok := f.convs[*id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if conv.OrgID != orgID {
		return nil, store.ErrCrossOrg
	}
	return conv, nil
}

func (f *fakeConvs) Append(_ context.Context, conversationID uuid.UUID, role string, content json.RawMessage, toolCall json.RawMessage) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ToolCall:       toolCall,
		SequenceNumber: len(f.messages[conversationID]),
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return &msg, nil
}

func (f *fakeConvs) History(_ context.Context, conversationID uuid.UUID) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeConvs) LockTurn(conversationID uuid.UUID) func() {
	f.mu.Lock()
	lock, ok := f.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[conversationID] = lock
	}
	f.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (f *fakeConvs) roles(conversationID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var roles []string
	for _, msg := range f.messages[conversationID] {
		roles = append(roles, msg.Role)
	}
	return roles
}

type fakeRetriever struct {
	results []store.ChunkSearchResult
	err     error
}

func (f *fakeRetriever) Search(_ context.Context, _ uuid.UUID, _ string, _ int) ([]store.ChunkSearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// fakeTools records executions in call order.
type fakeTools struct {
	mu      sync.Mutex
	outputs map[string]any
	errs    map[string]error
	called  []string
}

func (f *fakeTools) Refs(names []string) ([]ai.ToolRef, error) {
	refs := make([]ai.ToolRef, 0, len(names))
	for range names {
		refs = append(refs, nil)
	}
	return refs, nil
}

func (f *fakeTools) Run(_ context.Context, name string, _ any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, name)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if out, ok := f.outputs[name]; ok {
		return out, nil
	}
	return map[string]any{"ok": true}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (f *fakeAudit) Record(_ context.Context, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

type deps struct {
	model     *scriptedModel
	convs     *fakeConvs
	retriever *fakeRetriever
	tools     *fakeTools
	audit     *fakeAudit
}

func newOrchestrator(t *testing.T, d deps, mutate ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Model:         d.model,
		Conversations: d.convs,
		Retriever:     d.retriever,
		Tools:         d.tools,
		Audit:         d.audit,
		MaxToolRounds: 3,
		TurnTimeout:   5 * time.Second,
		Retry:         RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Logger:        log.NewNop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func newDeps() deps {
	return deps{
		model:     &scriptedModel{},
		convs:     newFakeConvs(),
		retriever: &fakeRetriever{},
		tools:     &fakeTools{},
		audit:     &fakeAudit{},
	}
}

func TestTurnPlainAnswer(t *testing.T) {
	d := newDeps()
	d.model.responses = []*ai.ModelResponse{textResponse("the answer")}
	d.retriever.results = []store.ChunkSearchResult{
		{Chunk: store.Chunk{ID: uuid.New(), Content: "context"}, URI: "https://example.com", Similarity: 0.9},
	}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "question"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "the answer", result.Answer)
	assert.Equal(t, 0, result.ToolRounds)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, []string{store.MessageRoleUser, store.MessageRoleAssistant}, d.convs.roles(result.ConversationID))
}

func TestTurnTwoToolOrdering(t *testing.T) {
	d := newDeps()
	d.model.responses = []*ai.ModelResponse{
		toolResponse(
			&ai.ToolRequest{Name: "search_knowledge", Ref: "1", Input: map[string]any{"query": "x"}},
			&ai.ToolRequest{Name: "current_time", Ref: "2", Input: map[string]any{}},
		),
		textResponse("combined answer"),
	}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{
		OrgID: uuid.New(), Message: "question", Tools: []string{"search_knowledge", "current_time"},
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 1, result.ToolRounds)

	// Execution and audit rows follow the model's proposed order.
	assert.Equal(t, []string{"search_knowledge", "current_time"}, d.tools.called)
	require.Len(t, d.audit.entries, 2)
	assert.Equal(t, "search_knowledge", d.audit.entries[0].Tool)
	assert.Equal(t, "current_time", d.audit.entries[1].Tool)
	assert.Equal(t, AgentName, d.audit.entries[0].Agent)

	// user, two tool messages, final assistant.
	assert.Equal(t, []string{
		store.MessageRoleUser, store.MessageRoleTool, store.MessageRoleTool, store.MessageRoleAssistant,
	}, d.convs.roles(result.ConversationID))
}

func TestTurnToolFailureStillAudited(t *testing.T) {
	d := newDeps()
	d.tools.errs = map[string]error{"fetch_webpage": errors.New("status 503")}
	d.model.responses = []*ai.ModelResponse{
		toolResponse(&ai.ToolRequest{Name: "fetch_webpage", Ref: "1", Input: map[string]any{"url": "https://x"}}),
		textResponse("answered without the page"),
	}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q", Tools: []string{"fetch_webpage"}})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	require.Len(t, d.audit.entries, 1)
	require.Error(t, d.audit.entries[0].Err)
}

func TestTurnAuditWriteFailureAborts(t *testing.T) {
	d := newDeps()
	d.audit.err = errors.New("ledger unavailable")
	d.model.responses = []*ai.ModelResponse{
		toolResponse(&ai.ToolRequest{Name: "current_time", Ref: "1", Input: map[string]any{}}),
		textResponse("never reached"),
	}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q", Tools: []string{"current_time"}})
	require.NoError(t, err)

	assert.Equal(t, StateError, result.State)
	assert.Equal(t, apologyText, result.Answer)
	assert.Contains(t, result.ErrorDetail, "ledger unavailable")

	// The apology still lands in the conversation.
	roles := d.convs.roles(result.ConversationID)
	assert.Equal(t, store.MessageRoleAssistant, roles[len(roles)-1])
}

func TestTurnRetrievalDownDegrades(t *testing.T) {
	d := newDeps()
	d.retriever.err = retrieval.ErrUnavailable
	d.model.responses = []*ai.ModelResponse{textResponse("uninformed answer")}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "uninformed answer", result.Answer)
	assert.Empty(t, result.Sources)
}

func TestTurnToolRoundLimit(t *testing.T) {
	d := newDeps()
	// The model keeps asking for tools; round 4 gets no tool refs and the
	// scripted model falls back to text.
	for i := 0; i < 10; i++ {
		d.model.responses = append(d.model.responses,
			toolResponse(&ai.ToolRequest{Name: "current_time", Ref: "1", Input: map[string]any{}}))
	}
	o := newOrchestrator(t, d, func(cfg *Config) { cfg.MaxToolRounds = 2 })

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q", Tools: []string{"current_time"}})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 2, result.ToolRounds)
	assert.Len(t, d.audit.entries, 2)
	assert.Equal(t, "fallback", result.Answer)
}

// stubbornModel requests a tool on every call, regardless of the options
// offered.
type stubbornModel struct {
	mu    sync.Mutex
	calls int
}

func (m *stubbornModel) Generate(_ context.Context, _ ...ai.GenerateOption) (*ai.ModelResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return toolResponse(&ai.ToolRequest{Name: "current_time", Ref: "1", Input: map[string]any{}}), nil
}

func TestTurnToolLimitTerminatesStubbornModel(t *testing.T) {
	d := newDeps()
	model := &stubbornModel{}
	o := newOrchestrator(t, d, func(cfg *Config) {
		cfg.Model = model
		cfg.MaxToolRounds = 2
	})

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q", Tools: []string{"current_time"}})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 2, result.ToolRounds)
	assert.Len(t, d.audit.entries, 2)
	// Two tool rounds, one nudged call, one final call that still asked for
	// tools and got cut off.
	assert.Equal(t, 4, model.calls)
	assert.NotEmpty(t, result.Answer)
}

func TestTurnModelFailureApologizes(t *testing.T) {
	d := newDeps()
	d.model.errs = []error{errors.New("invalid request")}
	o := newOrchestrator(t, d)

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q"})
	require.NoError(t, err)

	assert.Equal(t, StateError, result.State)
	assert.Equal(t, apologyText, result.Answer)

	roles := d.convs.roles(result.ConversationID)
	assert.Equal(t, []string{store.MessageRoleUser, store.MessageRoleAssistant}, roles)
}

// deadlineModel serves one scripted response, then blocks until the turn
// deadline expires.
type deadlineModel struct {
	first *ai.ModelResponse
	mu    sync.Mutex
	calls int
}

func (m *deadlineModel) Generate(ctx context.Context, _ ...ai.GenerateOption) (*ai.ModelResponse, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.mu.Unlock()
	if call == 0 {
		return m.first, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTurnDeadlineMidToolLoop(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(t, d, func(cfg *Config) {
		cfg.Model = &deadlineModel{
			first: toolResponse(&ai.ToolRequest{Name: "current_time", Ref: "1", Input: map[string]any{}}),
		}
		cfg.TurnTimeout = 50 * time.Millisecond
	})

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q", Tools: []string{"current_time"}})
	require.NoError(t, err)

	assert.Equal(t, StateError, result.State)
	assert.Equal(t, apologyText, result.Answer)

	// The audit row for the completed tool call survives the timeout.
	require.Len(t, d.audit.entries, 1)
	assert.Equal(t, "current_time", d.audit.entries[0].Tool)

	roles := d.convs.roles(result.ConversationID)
	assert.Equal(t, store.MessageRoleAssistant, roles[len(roles)-1])
}

func TestTurnModelRetriesTransientError(t *testing.T) {
	d := newDeps()
	d.model.errs = []error{errors.New("503 service unavailable"), nil}
	d.model.responses = []*ai.ModelResponse{nil, textResponse("recovered")}
	o := newOrchestrator(t, d, func(cfg *Config) {
		cfg.Retry = RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	})

	result, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Answer)
	assert.Equal(t, 2, d.model.calls)
}

func TestTurnCrossOrgConversation(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(t, d)

	conv, err := d.convs.GetOrCreate(context.Background(), uuid.New(), nil, nil)
	require.NoError(t, err)

	_, err = o.Turn(context.Background(), TurnRequest{OrgID: uuid.New(), ConversationID: &conv.ID, Message: "q"})
	assert.ErrorIs(t, err, store.ErrCrossOrg)
}

func TestTurnStreamEvents(t *testing.T) {
	d := newDeps()
	d.model.responses = []*ai.ModelResponse{textResponse("streamed answer")}
	d.retriever.results = []store.ChunkSearchResult{
		{Chunk: store.Chunk{ID: uuid.New(), Content: "ctx"}, Similarity: 0.8},
	}
	o := newOrchestrator(t, d)

	var types []EventType
	var gotSources []conversation.SourceRef
	result, err := o.TurnStream(context.Background(), TurnRequest{OrgID: uuid.New(), Message: "q"},
		func(_ context.Context, ev Event) error {
			types = append(types, ev.Type)
			if ev.Type == EventSources {
				gotSources = ev.Sources
			}
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	require.NotEmpty(t, types)
	assert.Equal(t, EventRetrieving, types[0])
	assert.Equal(t, EventSources, types[1])
	assert.Equal(t, EventDone, types[len(types)-1])
	assert.Len(t, gotSources, 1)
}

func TestTurnEmptyMessage(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(t, d)

	_, err := o.Turn(context.Background(), TurnRequest{OrgID: uuid.New()})
	assert.Error(t, err)
}
