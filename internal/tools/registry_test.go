package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrain/autobrain/internal/ingest"
	"github.com/autobrain/autobrain/internal/log"
	"github.com/autobrain/autobrain/internal/store"
)

type stubSearcher struct {
	results   []store.ChunkSearchResult
	err       error
	lastOrgID uuid.UUID
	lastK     int
}

func (s *stubSearcher) Search(_ context.Context, orgID uuid.UUID, _ string, k int) ([]store.ChunkSearchResult, error) {
	s.lastOrgID = orgID
	s.lastK = k
	return s.results, s.err
}

type stubFetcher struct {
	fetched *ingest.Fetched
	err     error
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) (*ingest.Fetched, error) {
	return s.fetched, s.err
}

func newTestRegistry(t *testing.T, searcher Searcher, fetcher ingest.Fetcher) *Registry {
	t.Helper()
	g := genkit.Init(context.Background())
	require.NotNil(t, g)

	r, err := NewRegistry(g, searcher, fetcher, log.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegistryRegistersBuiltins(t *testing.T) {
	r := newTestRegistry(t, &stubSearcher{}, &stubFetcher{})

	for _, name := range r.Names() {
		_, ok := r.Lookup(name)
		assert.True(t, ok, "tool %q must be registered", name)
	}
}

func TestRefsSelectsSubset(t *testing.T) {
	r := newTestRegistry(t, &stubSearcher{}, &stubFetcher{})

	refs, err := r.Refs([]string{SearchKnowledgeName, CurrentTimeName})
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	refs, err = r.Refs(nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestRefsUnknownTool(t *testing.T) {
	r := newTestRegistry(t, &stubSearcher{}, &stubFetcher{})

	_, err := r.Refs([]string{"delete_everything"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestSearchKnowledgeScopesToContextOrg(t *testing.T) {
	searcher := &stubSearcher{results: []store.ChunkSearchResult{
		{Chunk: store.Chunk{ID: uuid.New(), Content: "relevant text"}, URI: "https://example.com", Similarity: 0.88},
	}}
	r := newTestRegistry(t, searcher, &stubFetcher{})

	orgID := uuid.New()
	toolCtx := &ai.ToolContext{Context: ContextWithOrgID(context.Background(), orgID)}

	out, err := r.searchKnowledge(toolCtx, SearchKnowledgeInput{Query: "question"})
	require.NoError(t, err)

	assert.Equal(t, orgID, searcher.lastOrgID)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "relevant text", out.Results[0].Content)
	assert.InDelta(t, 0.88, out.Results[0].Score, 1e-9)
}

func TestSearchKnowledgeRequiresOrgScope(t *testing.T) {
	r := newTestRegistry(t, &stubSearcher{}, &stubFetcher{})

	toolCtx := &ai.ToolContext{Context: context.Background()}
	_, err := r.searchKnowledge(toolCtx, SearchKnowledgeInput{Query: "q"})
	assert.Error(t, err)
}

func TestSearchKnowledgeClampsTopK(t *testing.T) {
	searcher := &stubSearcher{}
	r := newTestRegistry(t, searcher, &stubFetcher{})

	toolCtx := &ai.ToolContext{Context: ContextWithOrgID(context.Background(), uuid.New())}

	_, err := r.searchKnowledge(toolCtx, SearchKnowledgeInput{Query: "q", TopK: 50})
	require.NoError(t, err)
	assert.Equal(t, maxSearchTopK, searcher.lastK)

	_, err = r.searchKnowledge(toolCtx, SearchKnowledgeInput{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, defaultSearchTopK, searcher.lastK)
}

func TestFetchWebpageTruncates(t *testing.T) {
	long := make([]byte, maxWebpageExcerpt+100)
	for i := range long {
		long[i] = 'a'
	}
	fetcher := &stubFetcher{fetched: &ingest.Fetched{Title: "Long Page", Content: string(long)}}
	r := newTestRegistry(t, &stubSearcher{}, fetcher)

	out, err := r.fetchWebpage(&ai.ToolContext{Context: context.Background()}, FetchWebpageInput{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Len(t, out.Content, maxWebpageExcerpt)
	assert.True(t, out.Truncated)
}

func TestFetchWebpageTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddle the cap; the excerpt must stay valid UTF-8.
	long := strings.Repeat("日本語テキスト", maxWebpageExcerpt/3)
	fetcher := &stubFetcher{fetched: &ingest.Fetched{Title: "CJK Page", Content: long}}
	r := newTestRegistry(t, &stubSearcher{}, fetcher)

	out, err := r.fetchWebpage(&ai.ToolContext{Context: context.Background()}, FetchWebpageInput{URL: "https://example.com"})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, len(out.Content), maxWebpageExcerpt)
	assert.True(t, utf8.ValidString(out.Content), "excerpt must not end mid-rune")
}

func TestFetchWebpageError(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("status 404")}
	r := newTestRegistry(t, &stubSearcher{}, fetcher)

	_, err := r.fetchWebpage(&ai.ToolContext{Context: context.Background()}, FetchWebpageInput{URL: "https://example.com/missing"})
	assert.Error(t, err)
}

func TestCurrentTime(t *testing.T) {
	r := newTestRegistry(t, &stubSearcher{}, &stubFetcher{})
	fixed := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	out, err := r.currentTime(&ai.ToolContext{Context: context.Background()}, CurrentTimeInput{})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-03T12:00:00Z", out.Now)
	assert.Equal(t, "Monday", out.Weekday)
	assert.Equal(t, fixed.Unix(), out.Unix)
}

func TestContextOrgRoundTrip(t *testing.T) {
	orgID := uuid.New()
	ctx := ContextWithOrgID(context.Background(), orgID)

	got, ok := OrgIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, orgID, got)

	_, ok = OrgIDFromContext(context.Background())
	assert.False(t, ok)
}
