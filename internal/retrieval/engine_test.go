package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrain/autobrain/internal/log"
	"github.com/autobrain/autobrain/internal/store"
)

// mockEmbedder implements ai.Embedder.
type mockEmbedder struct {
	embedErr    error
	returnEmpty bool
	embeddings  []float32
	callCount   int
	lastInput   string
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(_ api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++
	if len(req.Input) > 0 && len(req.Input[0].Content) > 0 {
		m.lastInput = req.Input[0].Content[0].Text
	}
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if m.returnEmpty {
		return &ai.EmbedResponse{}, nil
	}
	vec := m.embeddings
	if vec == nil {
		vec = []float32{0.1, 0.2, 0.3}
	}
	return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: vec}}}, nil
}

// mockChunkStore records embeddings and returns canned search results.
type mockChunkStore struct {
	stored     map[uuid.UUID]pgvector.Vector
	results    []store.ChunkSearchResult
	searchErr  error
	setErr     error
	lastOrgID  uuid.UUID
	lastK      int
	lastVector pgvector.Vector
}

func newMockChunkStore() *mockChunkStore {
	return &mockChunkStore{stored: make(map[uuid.UUID]pgvector.Vector)}
}

func (m *mockChunkStore) SetChunkEmbedding(_ context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.stored[chunkID] = embedding
	return nil
}

func (m *mockChunkStore) SearchChunks(_ context.Context, orgID uuid.UUID, query pgvector.Vector, k int) ([]store.ChunkSearchResult, error) {
	m.lastOrgID = orgID
	m.lastK = k
	m.lastVector = query
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.results, nil
}

func TestIndexStoresEmbedding(t *testing.T) {
	chunks := newMockChunkStore()
	embedder := &mockEmbedder{embeddings: []float32{0.5, 0.6}}
	engine, err := New(chunks, embedder, 5, log.NewNop())
	require.NoError(t, err)

	chunk := store.Chunk{ID: uuid.New(), DocumentID: uuid.New(), Content: "chunk text"}
	require.NoError(t, engine.Index(context.Background(), chunk))

	assert.Equal(t, "chunk text", embedder.lastInput)
	assert.Contains(t, chunks.stored, chunk.ID)
	assert.Equal(t, []float32{0.5, 0.6}, chunks.stored[chunk.ID].Slice())
}

func TestIndexEmbedderFailure(t *testing.T) {
	chunks := newMockChunkStore()
	embedder := &mockEmbedder{embedErr: errors.New("backend down")}
	engine, err := New(chunks, embedder, 5, log.NewNop())
	require.NoError(t, err)

	err = engine.Index(context.Background(), store.Chunk{ID: uuid.New(), Content: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, chunks.stored)
}

func TestSearchScopesToOrganization(t *testing.T) {
	chunks := newMockChunkStore()
	chunks.results = []store.ChunkSearchResult{
		{Chunk: store.Chunk{ID: uuid.New(), Content: "hit"}, Similarity: 0.92},
	}
	engine, err := New(chunks, &mockEmbedder{}, 5, log.NewNop())
	require.NoError(t, err)

	orgID := uuid.New()
	results, err := engine.Search(context.Background(), orgID, "a question", 3)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, orgID, chunks.lastOrgID, "org filter must reach the store query")
	assert.Equal(t, 3, chunks.lastK)
}

func TestSearchDefaultTopK(t *testing.T) {
	chunks := newMockChunkStore()
	engine, err := New(chunks, &mockEmbedder{}, 7, log.NewNop())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), uuid.New(), "q", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, chunks.lastK)
}

func TestSearchEmptyEmbedding(t *testing.T) {
	engine, err := New(newMockChunkStore(), &mockEmbedder{returnEmpty: true}, 5, log.NewNop())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), uuid.New(), "q", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSearchEmbedderUnavailable(t *testing.T) {
	engine, err := New(newMockChunkStore(), &mockEmbedder{embedErr: errors.New("dial tcp")}, 5, log.NewNop())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), uuid.New(), "q", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSearchStoreFailure(t *testing.T) {
	chunks := newMockChunkStore()
	chunks.searchErr = errors.New("connection reset")
	engine, err := New(chunks, &mockEmbedder{}, 5, log.NewNop())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), uuid.New(), "q", 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable, "store failures are not embedding unavailability")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &mockEmbedder{}, 5, log.NewNop())
	assert.Error(t, err)

	_, err = New(newMockChunkStore(), nil, 5, log.NewNop())
	assert.Error(t, err)
}
