// Package tools defines the executable tools offered to the model and the
// registry that resolves a client's tool selection for one turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/store"
)

// Tool names registered with Genkit.
const (
	SearchKnowledgeName = "search_knowledge"
	FetchWebpageName    = "fetch_webpage"
	CurrentTimeName     = "current_time"
)

// ErrUnknownTool reports a tool selection naming no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Result caps.
const (
	maxSearchTopK     = 10
	maxWebpageExcerpt = 8_000
	defaultSearchTopK = 5
)

// Searcher runs organization-scoped retrieval. Implemented by
// retrieval.Engine.
type Searcher interface {
	Search(ctx context.Context, orgID uuid.UUID, query string, k int) ([]store.ChunkSearchResult, error)
}

// SearchKnowledgeInput is the model-facing schema of search_knowledge.
type SearchKnowledgeInput struct {
	Query string `json:"query" jsonschema_description:"The search query string"`
	TopK  int    `json:"topK,omitempty" jsonschema_description:"Maximum results to return (1-10)"`
}

// SearchHit is one retrieved chunk in a search_knowledge result.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	URI     string  `json:"uri,omitempty"`
	Title   string  `json:"title,omitempty"`
	Score   float64 `json:"score"`
}

// SearchKnowledgeOutput is the result shape of search_knowledge.
type SearchKnowledgeOutput struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

// FetchWebpageInput is the model-facing schema of fetch_webpage.
type FetchWebpageInput struct {
	URL string `json:"url" jsonschema_description:"The http(s) URL to fetch"`
}

// FetchWebpageOutput is the result shape of fetch_webpage. Content is the
// readable article text, truncated to a model-friendly size.
type FetchWebpageOutput struct {
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// CurrentTimeInput is the (empty) schema of current_time.
type CurrentTimeInput struct{}

// CurrentTimeOutput is the result shape of current_time.
type CurrentTimeOutput struct {
	Now     string `json:"now"`
	Weekday string `json:"weekday"`
	Unix    int64  `json:"unix"`
}

// Registry defines the built-in tools with Genkit and resolves per-turn
// selections. Tool handlers capture their dependencies via closures over the
// registry; the organization scope arrives through the request context.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	g        *genkit.Genkit
	searcher Searcher
	fetcher  ingest.Fetcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a Registry and registers the built-in tools with g.
func NewRegistry(g *genkit.Genkit, searcher Searcher, fetcher ingest.Fetcher, logger *slog.Logger) (*Registry, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if fetcher == nil {
		fetcher = ingest.NewHTTPFetcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{g: g, searcher: searcher, fetcher: fetcher, logger: logger, now: time.Now}

	genkit.DefineTool(g, SearchKnowledgeName,
		"Search the organization's knowledge base using semantic similarity. "+
			"Use this to find previously ingested documents relevant to the user's question. "+
			"Returns the most similar text chunks with their source attribution.",
		r.searchKnowledge)

	genkit.DefineTool(g, FetchWebpageName,
		"Fetch a web page and extract its readable article text. "+
			"Use this when the user asks about a specific URL or when fresh web content is needed.",
		r.fetchWebpage)

	genkit.DefineTool(g, CurrentTimeName,
		"Get the current date and time. "+
			"Returns an RFC 3339 timestamp, the day of week, and the Unix epoch seconds.",
		r.currentTime)

	return r, nil
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	return []string{SearchKnowledgeName, FetchWebpageName, CurrentTimeName}
}

// Refs resolves a client's tool selection into Genkit tool references.
// An empty selection means no tools for the turn. Unknown names yield
// ErrUnknownTool rather than a silently smaller toolset.
func (r *Registry) Refs(names []string) ([]ai.ToolRef, error) {
	refs := make([]ai.ToolRef, 0, len(names))
	for _, name := range names {
		tool := genkit.LookupTool(r.g, name)
		if tool == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
		refs = append(refs, tool)
	}
	return refs, nil
}

// Lookup returns the executable tool for name, for running model-requested
// calls outside the generate loop.
func (r *Registry) Lookup(name string) (ai.Tool, bool) {
	tool := genkit.LookupTool(r.g, name)
	return tool, tool != nil
}

// Run executes the named tool with a raw model-provided input. The caller's
// context carries the organization scope for tools that need it.
func (r *Registry) Run(ctx context.Context, name string, input any) (any, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool.RunRaw(ctx, input)
}

func (r *Registry) searchKnowledge(ctx *ai.ToolContext, input SearchKnowledgeInput) (SearchKnowledgeOutput, error) {
	orgID, ok := OrgIDFromContext(ctx)
	if !ok {
		return SearchKnowledgeOutput{}, fmt.Errorf("no organization scope in context")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = defaultSearchTopK
	}
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}

	results, err := r.searcher.Search(ctx, orgID, input.Query, topK)
	if err != nil {
		return SearchKnowledgeOutput{}, fmt.Errorf("searching knowledge: %w", err)
	}

	hits := make([]SearchHit, len(results))
	for i, res := range results {
		hits[i] = SearchHit{
			ChunkID: res.Chunk.ID.String(),
			Content: res.Chunk.Content,
			URI:     res.URI,
			Title:   res.Title,
			Score:   res.Similarity,
		}
	}

	r.logger.Debug("search_knowledge", "org_id", orgID, "query", input.Query, "results", len(hits))
	return SearchKnowledgeOutput{Query: input.Query, Results: hits}, nil
}

func (r *Registry) fetchWebpage(ctx *ai.ToolContext, input FetchWebpageInput) (FetchWebpageOutput, error) {
	fetched, err := r.fetcher.Fetch(ctx, input.URL)
	if err != nil {
		return FetchWebpageOutput{}, fmt.Errorf("fetching %s: %w", input.URL, err)
	}

	content := fetched.Content
	truncated := false
	if len(content) > maxWebpageExcerpt {
		// Back off to a rune boundary so the excerpt never ends in a
		// broken UTF-8 sequence.
		cut := maxWebpageExcerpt
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
		truncated = true
	}

	r.logger.Debug("fetch_webpage", "url", input.URL, "bytes", len(content), "truncated", truncated)
	return FetchWebpageOutput{Title: fetched.Title, Content: content, Truncated: truncated}, nil
}

func (r *Registry) currentTime(_ *ai.ToolContext, _ CurrentTimeInput) (CurrentTimeOutput, error) {
	now := r.now()
	return CurrentTimeOutput{
		Now:     now.Format(time.RFC3339),
		Weekday: now.Weekday().String(),
		Unix:    now.Unix(),
	}, nil
}
