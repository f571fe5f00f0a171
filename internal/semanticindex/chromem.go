package semanticindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

// ChromemStore is an embedded PointStore backed by chromem-go. It serves
// development and tests; production deployments use QdrantStore.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger

	mu    sync.Mutex
	sizes map[string]int // collection -> vector size fixed at creation
}

// NewChromemStore creates an embedded store. An empty path keeps everything
// in memory; otherwise the database persists under path.
func NewChromemStore(path string, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, history.NewStoreError("chromem_open", false, err)
		}
	}

	return &ChromemStore{
		db:     db,
		logger: logger,
		sizes:  make(map[string]int),
	}, nil
}

// Close is a no-op for the embedded store.
func (s *ChromemStore) Close() error { return nil }

// noEmbed guards against accidental reliance on chromem's built-in embedding:
// all vectors are supplied precomputed.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embeddings must be precomputed")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, history.NewStoreError("chromem_collection", false, err)
	}
	return c, nil
}

// EnsureCollection creates or validates the collection's vector size.
func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sizes[collection]; ok {
		if existing != vectorSize {
			return history.NewStoreError("ensure_collection", false,
				fmt.Errorf("%w: collection %s has vector size %d, want %d",
					ErrCollectionMismatch, collection, existing, vectorSize))
		}
		return nil
	}

	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	// A persisted collection reopened after a restart carries its vectors but
	// not our size bookkeeping. Querying with a unit vector of the expected
	// size surfaces a dimensionality mismatch against the stored data.
	if c.Count() > 0 {
		unit := make([]float32, vectorSize)
		unit[0] = 1
		if _, err := c.QueryEmbedding(ctx, unit, 1, nil, nil); err != nil {
			return history.NewStoreError("ensure_collection", false,
				fmt.Errorf("%w: collection %s rejects %d-dimensional vectors: %v",
					ErrCollectionMismatch, collection, vectorSize, err))
		}
	}

	s.sizes[collection] = vectorSize
	return nil
}

// Upsert writes points in one batch.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	expected := s.sizes[collection]
	s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if expected != 0 && len(p.Vector) != expected {
			return history.NewStoreError("upsert", false,
				fmt.Errorf("%w: point %s has %d dimensions, want %d",
					ErrCollectionMismatch, p.ID, len(p.Vector), expected))
		}
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Payload.Content,
			Embedding: p.Vector,
			Metadata:  payloadToMetadata(p.Payload),
		}
	}

	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		return history.NewStoreError("upsert", false, err)
	}
	return nil
}

// Query runs nearest-neighbor search with the filter applied.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]ScoredPoint, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults greater than the collection size.
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	where := map[string]string{"session_id": filter.SessionID}
	if filter.Username != "" {
		where["username"] = filter.Username
	}
	if filter.TopicContext != "" {
		where["topic_context"] = filter.TopicContext
	}

	results, err := c.QueryEmbedding(ctx, vector, limit, where, nil)
	if err != nil {
		return nil, history.NewStoreError("query", false, err)
	}

	points := make([]ScoredPoint, len(results))
	for i, r := range results {
		points[i] = ScoredPoint{
			ID:      r.ID,
			Score:   r.Similarity,
			Payload: payloadFromMetadata(r.Content, r.Metadata),
		}
	}
	return points, nil
}

// DeletePoints removes points by ID.
func (s *ChromemStore) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return history.NewStoreError("delete_points", false, err)
	}
	return nil
}

// DeleteBySession removes every point whose payload session matches.
func (s *ChromemStore) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if c.Count() == 0 {
		return nil
	}
	if err := c.Delete(ctx, map[string]string{"session_id": sessionID}, nil); err != nil {
		return history.NewStoreError("delete_by_session", false, err)
	}
	return nil
}

// Count returns the number of points in the collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// payloadToMetadata flattens a Payload into chromem's string-valued metadata.
func payloadToMetadata(p Payload) map[string]string {
	return map[string]string{
		"message_id":              p.MessageID,
		"session_id":              p.SessionID,
		"username":                p.Username,
		"conversation_id":         p.ConversationID,
		"role":                    p.Role,
		"topic_context":           p.TopicContext,
		"created_at":              p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"chunk_index":             strconv.Itoa(p.ChunkIndex),
		"total_chunks":            strconv.Itoa(p.TotalChunks),
		"original_content_length": strconv.Itoa(p.OriginalContentLength),
	}
}

func payloadFromMetadata(content string, meta map[string]string) Payload {
	p := Payload{
		MessageID:      meta["message_id"],
		SessionID:      meta["session_id"],
		Username:       meta["username"],
		ConversationID: meta["conversation_id"],
		Role:           meta["role"],
		Content:        content,
		TopicContext:   meta["topic_context"],
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["created_at"]); err == nil {
		p.CreatedAt = t
	}
	p.ChunkIndex, _ = strconv.Atoi(meta["chunk_index"])
	p.TotalChunks, _ = strconv.Atoi(meta["total_chunks"])
	p.OriginalContentLength, _ = strconv.Atoi(meta["original_content_length"])
	return p
}

var _ PointStore = (*ChromemStore)(nil)
