// Package orchestrator runs conversational turns as an explicit state
// machine over retrieval, model calls, and tool execution.
//
// A turn holds its conversation's lock for its full duration, so histories
// grow strictly append-only with no interleaved turns. Every tool execution
// is written to the audit ledger before the turn proceeds.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/autobrain/autobrain/internal/audit"
	"github.com/autobrain/autobrain/internal/conversation"
	"github.com/autobrain/autobrain/internal/retrieval"
	"github.com/autobrain/autobrain/internal/store"
	"github.com/autobrain/autobrain/internal/tools"
)

// AgentName tags audit rows written by this orchestrator.
const AgentName = "orchestrator"

const (
	apologyText = "I'm sorry, I ran into a problem completing that request. Please try again."

	toolLimitNote = "Tool limit reached for this turn. Answer using the information gathered so far."
)

// ModelClient is the slice of the model API the orchestrator needs.
// Implemented by GenkitModel; tests substitute scripted responses.
type ModelClient interface {
	Generate(ctx context.Context, opts ...ai.GenerateOption) (*ai.ModelResponse, error)
}

// GenkitModel calls a provider-qualified model through Genkit.
type GenkitModel struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitModel creates a ModelClient for the given model name
// (e.g. "googleai/gemini-2.5-flash").
func NewGenkitModel(g *genkit.Genkit, modelName string) *GenkitModel {
	return &GenkitModel{g: g, model: modelName}
}

// Generate implements ModelClient.
func (m *GenkitModel) Generate(ctx context.Context, opts ...ai.GenerateOption) (*ai.ModelResponse, error) {
	opts = append(opts, ai.WithModelName(m.model))
	return genkit.Generate(ctx, m.g, opts...)
}

// ToolRunner resolves and executes tools. Implemented by tools.Registry.
type ToolRunner interface {
	Refs(names []string) ([]ai.ToolRef, error)
	Run(ctx context.Context, name string, input any) (any, error)
}

// Conversations is the slice of the conversation manager the orchestrator
// needs.
type Conversations interface {
	GetOrCreate(ctx context.Context, orgID uuid.UUID, id *uuid.UUID, createdBy *uuid.UUID) (*store.Conversation, error)
	Append(ctx context.Context, conversationID uuid.UUID, role string, content json.RawMessage, toolCall json.RawMessage) (*store.Message, error)
	History(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error)
	LockTurn(conversationID uuid.UUID) (unlock func())
}

// Retriever runs organization-scoped vector search. Implemented by
// retrieval.Engine.
type Retriever interface {
	Search(ctx context.Context, orgID uuid.UUID, query string, k int) ([]store.ChunkSearchResult, error)
}

// Auditor records tool invocations. Implemented by audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	OrgID          uuid.UUID
	ConversationID *uuid.UUID // nil starts a new conversation
	UserID         *uuid.UUID
	Message        string
	Tools          []string // tool names offered to the model this turn
}

// TurnResult is the outcome of a turn. State is StateDone on success and
// StateError when the turn degraded to an apology; ErrorDetail then carries
// the cause for logs and API clients.
type TurnResult struct {
	ConversationID uuid.UUID
	Answer         string
	Sources        []conversation.SourceRef
	ToolRounds     int
	State          State
	ErrorDetail    string
}

// EventType identifies a streaming event.
type EventType string

// Streaming event types, in emission order.
const (
	EventRetrieving EventType = "retrieving"
	EventSources    EventType = "sources"
	EventChunk      EventType = "chunk"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one streaming update during a turn.
type Event struct {
	Type    EventType                `json:"type"`
	Sources []conversation.SourceRef `json:"sources,omitempty"`
	Chunk   string                   `json:"chunk,omitempty"`
	Result  *TurnResult              `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// EventSink receives streaming events. Returning an error aborts the stream.
type EventSink func(ctx context.Context, ev Event) error

// Config carries the orchestrator's dependencies.
type Config struct {
	Model         ModelClient
	Conversations Conversations
	Retriever     Retriever
	Tools         ToolRunner
	Audit         Auditor

	MaxToolRounds int           // 0 = 5
	TurnTimeout   time.Duration // 0 = 2m
	RetrievalK    int           // 0 = retriever default
	HistoryTokens int           // 0 = 8000

	Retry       RetryConfig   // zero value uses DefaultRetryConfig
	RateLimiter *rate.Limiter // nil disables proactive limiting
	Logger      *slog.Logger
}

// Orchestrator executes turns. It is stateless between turns apart from the
// per-conversation locks owned by the conversation manager, so one instance
// serves all conversations concurrently.
type Orchestrator struct {
	model         ModelClient
	convs         Conversations
	retriever     Retriever
	tools         ToolRunner
	audit         Auditor
	maxToolRounds int
	turnTimeout   time.Duration
	retrievalK    int
	historyTokens int
	retry         RetryConfig
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}

	maxToolRounds := cfg.MaxToolRounds
	if maxToolRounds <= 0 {
		maxToolRounds = 5
	}
	turnTimeout := cfg.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 2 * time.Minute
	}
	historyTokens := cfg.HistoryTokens
	if historyTokens <= 0 {
		historyTokens = 8000
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		model:         cfg.Model,
		convs:         cfg.Conversations,
		retriever:     cfg.Retriever,
		tools:         cfg.Tools,
		audit:         cfg.Audit,
		maxToolRounds: maxToolRounds,
		turnTimeout:   turnTimeout,
		retrievalK:    cfg.RetrievalK,
		historyTokens: historyTokens,
		retry:         retry,
		limiter:       cfg.RateLimiter,
		logger:        logger,
	}, nil
}

// Turn runs one turn to completion and returns its result.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return o.run(ctx, req, nil)
}

// TurnStream runs one turn, forwarding typed events to sink as the turn
// progresses. The final result is also returned.
func (o *Orchestrator) TurnStream(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	return o.run(ctx, req, sink)
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	conv, err := o.convs.GetOrCreate(ctx, req.OrgID, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	// One turn per conversation at a time. Held for the whole turn so the
	// history the model sees cannot change underneath it.
	unlock := o.convs.LockTurn(conv.ID)
	defer unlock()

	turnCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	m := &machine{state: StateStart}
	result := &TurnResult{ConversationID: conv.ID}

	if _, err := o.convs.Append(turnCtx, conv.ID, store.MessageRoleUser, conversation.UserContent(req.Message), nil); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	refs, err := o.tools.Refs(req.Tools)
	if err != nil {
		return o.fail(ctx, m, result, err, sink)
	}

	// Retrieving: fetch context for the user's message. Retrieval being
	// down degrades the turn to an uninformed answer instead of failing it.
	m.to(StateRetrieving)
	o.emit(turnCtx, sink, Event{Type: EventRetrieving})

	sources, contextBlock, degraded := o.retrieve(turnCtx, req)
	result.Sources = sources
	o.emit(turnCtx, sink, Event{Type: EventSources, Sources: sources})

	msgs, err := o.buildHistory(turnCtx, conv.ID)
	if err != nil {
		return o.fail(ctx, m, result, err, sink)
	}

	system := systemPrompt(contextBlock, degraded)
	answer := ""
	nudged := false

	for {
		if m.state != StateDeciding {
			m.to(StateDeciding)
		}

		opts := []ai.GenerateOption{
			ai.WithSystem(system),
			ai.WithMessages(msgs...),
			ai.WithReturnToolRequests(true),
		}
		if len(refs) > 0 && result.ToolRounds < o.maxToolRounds {
			opts = append(opts, ai.WithTools(refs...))
		}
		if sink != nil {
			opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
				if text := chunk.Text(); text != "" {
					return sink(ctx, Event{Type: EventChunk, Chunk: text})
				}
				return nil
			}))
		}

		resp, err := o.generateWithRetry(turnCtx, opts)
		if err != nil {
			return o.fail(ctx, m, result, err, sink)
		}

		toolReqs := resp.ToolRequests()
		if len(toolReqs) == 0 {
			answer = resp.Text()
			break
		}

		if result.ToolRounds >= o.maxToolRounds {
			// The model asked for tools it can no longer have. Nudge it
			// once toward a final answer; if it still requests tools,
			// answer from whatever text it produced.
			if nudged {
				answer = resp.Text()
				break
			}
			nudged = true
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(toolLimitNote)))
			continue
		}

		m.to(StateToolCalling)
		result.ToolRounds++

		responseParts, err := o.callTools(turnCtx, conv.ID, req.OrgID, toolReqs)
		if err != nil {
			return o.fail(ctx, m, result, err, sink)
		}

		msgs = append(msgs, resp.Message, &ai.Message{Role: ai.RoleTool, Content: responseParts})
	}

	m.to(StateResponding)
	if answer == "" {
		answer = "I couldn't generate a response. Please try rephrasing your question."
	}
	result.Answer = answer

	content := conversation.AssistantContent(answer, sources)
	if _, err := o.convs.Append(turnCtx, conv.ID, store.MessageRoleAssistant, content, nil); err != nil {
		return o.fail(ctx, m, result, fmt.Errorf("appending assistant message: %w", err), sink)
	}

	result.State = m.to(StateDone)
	o.emit(turnCtx, sink, Event{Type: EventDone, Result: result})
	o.logger.Info("turn completed",
		"conversation_id", conv.ID, "org_id", req.OrgID,
		"tool_rounds", result.ToolRounds, "sources", len(sources), "degraded", degraded)
	return result, nil
}

// retrieve runs the retrieval phase and renders the context block. All
// retrieval failures degrade rather than abort.
func (o *Orchestrator) retrieve(ctx context.Context, req TurnRequest) ([]conversation.SourceRef, string, bool) {
	results, err := o.retriever.Search(ctx, req.OrgID, req.Message, o.retrievalK)
	if err != nil {
		if errors.Is(err, retrieval.ErrUnavailable) {
			o.logger.Warn("retrieval unavailable, continuing without context", "org_id", req.OrgID, "error", err)
		} else {
			o.logger.Error("retrieval failed, continuing without context", "org_id", req.OrgID, "error", err)
		}
		return nil, "", true
	}

	sources := make([]conversation.SourceRef, len(results))
	var block []byte
	for i, res := range results {
		sources[i] = conversation.SourceRef{
			ChunkID:     res.Chunk.ID,
			DocumentURI: res.URI,
			Title:       res.Title,
			Score:       res.Similarity,
		}
		block = fmt.Appendf(block, "[%d] %s\n%s\n\n", i+1, sourceLabel(res), res.Chunk.Content)
	}
	return sources, string(block), false
}

// callTools executes model-requested tools in the model's proposed order.
// Each execution gets exactly one audit row, written before anything else
// happens with the result. An audit write failure aborts the turn.
func (o *Orchestrator) callTools(ctx context.Context, convID, orgID uuid.UUID, toolReqs []*ai.ToolRequest) ([]*ai.Part, error) {
	toolCtx := tools.ContextWithOrgID(ctx, orgID)
	parts := make([]*ai.Part, 0, len(toolReqs))

	for _, tr := range toolReqs {
		inputJSON, err := json.Marshal(tr.Input)
		if err != nil {
			inputJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(tr.Input)))
		}

		start := time.Now()
		output, execErr := o.tools.Run(toolCtx, tr.Name, tr.Input)
		latency := time.Since(start)

		var outputJSON json.RawMessage
		if execErr == nil {
			if outputJSON, err = json.Marshal(output); err != nil {
				execErr = fmt.Errorf("marshaling tool output: %w", err)
				outputJSON = nil
			}
		}

		if err := o.audit.Record(ctx, audit.Entry{
			ConversationID: convID,
			OrgID:          orgID,
			Agent:          AgentName,
			Tool:           tr.Name,
			Input:          inputJSON,
			Output:         outputJSON,
			Err:            execErr,
			Latency:        latency,
		}); err != nil {
			return nil, err
		}

		errText := ""
		modelOutput := output
		if execErr != nil {
			errText = execErr.Error()
			modelOutput = map[string]any{"error": errText}
			o.logger.Warn("tool execution failed", "tool", tr.Name, "conversation_id", convID, "error", execErr)
		}

		content := conversation.ToolContent(tr.Name, outputJSON, errText)
		if _, err := o.convs.Append(ctx, convID, store.MessageRoleTool, content, inputJSON); err != nil {
			return nil, fmt.Errorf("appending tool message: %w", err)
		}

		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   tr.Name,
			Ref:    tr.Ref,
			Output: modelOutput,
		}))
	}
	return parts, nil
}

// buildHistory loads the conversation and converts it to model messages,
// truncating oldest-first to the token budget.
func (o *Orchestrator) buildHistory(ctx context.Context, convID uuid.UUID) ([]*ai.Message, error) {
	history, err := o.convs.History(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history = conversation.Truncate(history, o.historyTokens)

	msgs := make([]*ai.Message, 0, len(history))
	for _, msg := range history {
		text, err := conversation.Text(msg.Role, msg.Content)
		if err != nil {
			o.logger.Warn("skipping undecodable message", "message_id", msg.ID, "role", msg.Role, "error", err)
			continue
		}
		switch msg.Role {
		case store.MessageRoleUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(text)))
		case store.MessageRoleAssistant:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(text)))
		case store.MessageRoleSystem:
			msgs = append(msgs, &ai.Message{Role: ai.RoleSystem, Content: []*ai.Part{ai.NewTextPart(text)}})
		case store.MessageRoleTool:
			// Replayed as plain text: past tool rounds inform the model
			// without re-entering the tool protocol.
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart("Earlier tool result:\n"+text)))
		}
	}
	return msgs, nil
}

// fail appends an apologetic assistant message and finishes the turn in
// StateError. Audit rows already written stay put.
func (o *Orchestrator) fail(ctx context.Context, m *machine, result *TurnResult, cause error, sink EventSink) (*TurnResult, error) {
	o.logger.Error("turn failed", "conversation_id", result.ConversationID, "state", m.state, "error", cause)

	result.State = StateError
	result.Answer = apologyText
	result.ErrorDetail = cause.Error()
	m.state = StateError

	// The turn context may already be dead; the apology still has to land.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	content := conversation.AssistantContent(apologyText, nil)
	if _, err := o.convs.Append(appendCtx, result.ConversationID, store.MessageRoleAssistant, content, nil); err != nil {
		o.logger.Error("appending apology", "conversation_id", result.ConversationID, "error", err)
	}

	o.emit(appendCtx, sink, Event{Type: EventError, Error: result.ErrorDetail, Result: result})
	return result, nil
}

func (o *Orchestrator) emit(ctx context.Context, sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	if err := sink(ctx, ev); err != nil {
		o.logger.Warn("event sink error", "event", ev.Type, "error", err)
	}
}

func sourceLabel(res store.ChunkSearchResult) string {
	switch {
	case res.Title != "" && res.URI != "":
		return fmt.Sprintf("%s (%s)", res.Title, res.URI)
	case res.Title != "":
		return res.Title
	case res.URI != "":
		return res.URI
	default:
		return "untitled source"
	}
}

func systemPrompt(contextBlock string, degraded bool) string {
	prompt := "You are a knowledgeable assistant for this organization. " +
		"Answer using the retrieved context below when it is relevant, and cite sources by their bracketed number. " +
		"If the context does not cover the question, say so before answering from general knowledge.\n"
	switch {
	case degraded:
		prompt += "\nKnowledge retrieval is currently unavailable. Answer from the conversation and general knowledge, and tell the user that their documents could not be consulted.\n"
	case contextBlock == "":
		prompt += "\nNo relevant documents were found for this question.\n"
	default:
		prompt += "\nRetrieved context:\n\n" + contextBlock
	}
	return prompt
}
