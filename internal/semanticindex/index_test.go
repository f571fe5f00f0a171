package semanticindex

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/historyd/internal/embeddings"
	"github.com/fyrsmithlabs/historyd/internal/history"
	"github.com/fyrsmithlabs/historyd/internal/resilience"
)

// fakeStore is an in-memory PointStore with scriptable query results.
type fakeStore struct {
	points       map[string]Point
	queryResults []ScoredPoint
	queryErr     error
	upsertErr    error
	upserts      int
	deletedIDs   []string
	deletedSess  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string]Point)}
}

func (f *fakeStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, collection string, points []Point) error {
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeStore) Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]ScoredPoint, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if limit < len(f.queryResults) {
		return f.queryResults[:limit], nil
	}
	return f.queryResults, nil
}

func (f *fakeStore) DeletePoints(ctx context.Context, collection string, ids []string) error {
	f.deletedIDs = append(f.deletedIDs, ids...)
	return nil
}

func (f *fakeStore) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	f.deletedSess = append(f.deletedSess, sessionID)
	return nil
}

func (f *fakeStore) Count(ctx context.Context, collection string) (int, error) {
	return len(f.points), nil
}

func (f *fakeStore) Close() error { return nil }

// fakeEmbedder returns a constant-dimension vector per input.
type fakeEmbedder struct {
	dims int
	err  error
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, f.dims)
	v[0] = float32(len(text))
	return v, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

// fakeExpander returns fixed variants or an error.
type fakeExpander struct {
	variants []string
	err      error
}

func (f *fakeExpander) Expand(ctx context.Context, query string, n int) ([]string, error) {
	return f.variants, f.err
}

func newTestIndex(t *testing.T, store PointStore, expander *fakeExpander) *Index {
	t.Helper()
	wrapper := resilience.New(resilience.Config{MaxAttempts: 1, Timeout: time.Second}, nil, nil)
	var exp embeddings.QueryExpander
	if expander != nil {
		exp = expander
	}
	idx, err := New(store, &fakeEmbedder{dims: 4}, exp, wrapper, nil, nil, Config{Environment: "test"})
	require.NoError(t, err)
	return idx
}

func testMessage() history.Message {
	return history.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SessionID:      "sess-1",
		Username:       "alice",
		Role:           history.RoleUser,
		Content:        "How do I rotate credentials? The docs were unclear.",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewRejectsBadEnvironment(t *testing.T) {
	wrapper := resilience.New(resilience.Config{}, nil, nil)
	_, err := New(newFakeStore(), &fakeEmbedder{dims: 4}, nil, wrapper, nil, nil, Config{Environment: "Bad Env!"})
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestCollectionNamePerEnvironment(t *testing.T) {
	idx := newTestIndex(t, newFakeStore(), nil)
	assert.Equal(t, "chat_history_test", idx.Collection())
}

func TestUploadValidation(t *testing.T) {
	idx := newTestIndex(t, newFakeStore(), nil)

	tests := []struct {
		name   string
		mutate func(*history.Message)
	}{
		{"missing message id", func(m *history.Message) { m.ID = "" }},
		{"missing session", func(m *history.Message) { m.SessionID = "" }},
		{"empty content", func(m *history.Message) { m.Content = "   " }},
		{"bad role", func(m *history.Message) { m.Role = "system" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			tt.mutate(&msg)
			_, err := idx.Upload(context.Background(), msg)
			assert.True(t, history.IsValidation(err))
		})
	}
}

func TestUploadRejectsOversizedMessage(t *testing.T) {
	idx := newTestIndex(t, newFakeStore(), nil)

	msg := testMessage()
	msg.Content = strings.Repeat("x", history.MaxMessageChars+1)
	_, err := idx.Upload(context.Background(), msg)

	require.Error(t, err)
	assert.True(t, history.IsValidation(err))
}

func TestUploadRejectsTooManyChunksBeforeAnyWrite(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndex(t, store, nil)

	// 51 sentences of 970 characters each: every sentence takes a chunk of
	// its own, one past the per-message cap.
	sentence := strings.Repeat("a", 969) + "."
	parts := make([]string, history.MaxChunksPerMessage+1)
	for i := range parts {
		parts[i] = sentence
	}
	msg := testMessage()
	msg.Content = strings.Join(parts, " ")

	_, err := idx.Upload(context.Background(), msg)

	var re *history.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, history.MaxChunksPerMessage, re.Limit)
	assert.Equal(t, history.MaxChunksPerMessage+1, re.Actual)
	assert.Zero(t, store.upserts)
}

func TestUploadWritesOnePointPerChunk(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndex(t, store, nil)

	msg := testMessage()
	pointIDs, err := idx.Upload(context.Background(), msg)

	require.NoError(t, err)
	require.Len(t, pointIDs, 1)
	require.Len(t, store.points, 1)

	p := store.points[pointIDs[0]]
	assert.Equal(t, msg.ID, p.Payload.MessageID)
	assert.Equal(t, msg.SessionID, p.Payload.SessionID)
	assert.Equal(t, "user", p.Payload.Role)
	assert.Equal(t, 0, p.Payload.ChunkIndex)
	assert.Equal(t, 1, p.Payload.TotalChunks)
	assert.Equal(t, len([]rune(msg.Content)), p.Payload.OriginalContentLength)
	assert.Len(t, p.Vector, 4)
}

func TestUploadPointIDsAreDeterministic(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndex(t, store, nil)

	first, err := idx.Upload(context.Background(), testMessage())
	require.NoError(t, err)
	second, err := idx.Upload(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.points, 1, "retried upload must overwrite, not duplicate")
}

func TestPointIDDiffersByChunk(t *testing.T) {
	assert.NotEqual(t, PointID("msg-1", 0), PointID("msg-1", 1))
	assert.NotEqual(t, PointID("msg-1", 0), PointID("msg-2", 0))
	assert.Equal(t, PointID("msg-1", 0), PointID("msg-1", 0))
}

func TestSearchValidation(t *testing.T) {
	idx := newTestIndex(t, newFakeStore(), nil)

	_, err := idx.Search(context.Background(), SearchRequest{Query: "q"})
	assert.True(t, history.IsValidation(err), "missing session")

	_, err = idx.Search(context.Background(), SearchRequest{SessionID: "s", Query: "  "})
	assert.True(t, history.IsValidation(err), "blank query")

	_, err = idx.Search(context.Background(), SearchRequest{
		SessionID: "s", Query: "q", Limit: history.MaxSearchLimit + 1,
	})
	assert.True(t, history.IsValidation(err), "limit above cap")
}

func scoredPoint(id, sessionID string, score float32) ScoredPoint {
	return ScoredPoint{
		ID:    id,
		Score: score,
		Payload: Payload{
			MessageID:   "msg-" + id,
			SessionID:   sessionID,
			Role:        "assistant",
			Content:     "chunk " + id,
			TotalChunks: 1,
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestSearchReturnsHits(t *testing.T) {
	store := newFakeStore()
	store.queryResults = []ScoredPoint{
		scoredPoint("a", "sess-1", 0.9),
		scoredPoint("b", "sess-1", 0.7),
	}
	idx := newTestIndex(t, store, nil)

	hits, err := idx.Search(context.Background(), SearchRequest{SessionID: "sess-1", Query: "rotate credentials"})

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].PointID)
	assert.Equal(t, float32(0.9), hits[0].Score)
	assert.Equal(t, history.RoleAssistant, hits[0].Role)
	assert.Equal(t, "sess-1", hits[1].SessionID)
}

func TestSearchRejectsForeignSessionHit(t *testing.T) {
	store := newFakeStore()
	store.queryResults = []ScoredPoint{
		scoredPoint("a", "sess-1", 0.9),
		scoredPoint("b", "sess-OTHER", 0.8),
	}
	idx := newTestIndex(t, store, nil)

	hits, err := idx.Search(context.Background(), SearchRequest{SessionID: "sess-1", Query: "anything"})

	require.Error(t, err)
	assert.Nil(t, hits, "a privacy violation must not leak partial results")
	assert.True(t, history.IsPrivacyViolation(err))

	var pe *history.PrivacyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "sess-1", pe.RequestedSession)
	assert.Equal(t, "sess-OTHER", pe.ActualSession)
}

func TestFusionSearchFallsBackWhenExpansionFails(t *testing.T) {
	store := newFakeStore()
	store.queryResults = []ScoredPoint{scoredPoint("a", "sess-1", 0.9)}
	idx := newTestIndex(t, store, &fakeExpander{err: errors.New("expander down")})

	hits, err := idx.FusionSearch(context.Background(), SearchRequest{SessionID: "sess-1", Query: "q"})

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PointID)
}

func TestFusionSearchMergesWithRRF(t *testing.T) {
	store := newFakeStore()
	// The store returns the same ranked list for every variant, so the
	// top point accumulates the largest fused score.
	store.queryResults = []ScoredPoint{
		scoredPoint("shared", "sess-1", 0.9),
		scoredPoint("second", "sess-1", 0.5),
	}
	idx := newTestIndex(t, store, &fakeExpander{variants: []string{"variant one", "variant two"}})

	hits, err := idx.FusionSearch(context.Background(), SearchRequest{SessionID: "sess-1", Query: "q", Limit: 10})

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "shared", hits[0].PointID)
	assert.Equal(t, "second", hits[1].PointID)
	// Three rankings, rank 1 each: 3 * 1/61.
	assert.InDelta(t, 3.0/61.0, float64(hits[0].Score), 1e-6)
	assert.InDelta(t, 3.0/62.0, float64(hits[1].Score), 1e-6)
}

func TestFusionSearchSurfacesPrivacyViolations(t *testing.T) {
	store := newFakeStore()
	store.queryResults = []ScoredPoint{scoredPoint("x", "sess-OTHER", 0.9)}
	idx := newTestIndex(t, store, &fakeExpander{variants: []string{"v1"}})

	_, err := idx.FusionSearch(context.Background(), SearchRequest{SessionID: "sess-1", Query: "q"})

	assert.True(t, history.IsPrivacyViolation(err))
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	rankings := [][]ScoredPoint{
		{scoredPoint("b", "s", 0.9)},
		{scoredPoint("a", "s", 0.9)},
	}

	merged := fuseRRF(rankings, 10)

	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].ID, "equal scores break ties by point ID")
	assert.Equal(t, "b", merged[1].ID)
}

func TestDeleteBySessionRequiresSession(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndex(t, store, nil)

	err := idx.DeleteBySession(context.Background(), "")
	assert.True(t, history.IsValidation(err))

	require.NoError(t, idx.DeleteBySession(context.Background(), "sess-1"))
	assert.Equal(t, []string{"sess-1"}, store.deletedSess)
}

func TestDeletePoints(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndex(t, store, nil)

	require.NoError(t, idx.DeletePoints(context.Background(), nil))
	require.NoError(t, idx.DeletePoints(context.Background(), []string{"p1", "p2"}))
	assert.Equal(t, []string{"p1", "p2"}, store.deletedIDs)
}

func TestUploadSurfacesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = history.NewStoreError("upsert", false, errors.New("bad request"))
	idx := newTestIndex(t, store, nil)

	_, err := idx.Upload(context.Background(), testMessage())

	var se *history.StoreError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Recoverable)
	assert.Equal(t, 1, store.upserts, "non-recoverable failures must not be retried")
}
