package semanticindex

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/embeddings"
	"github.com/fyrsmithlabs/historyd/internal/history"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
	"github.com/fyrsmithlabs/historyd/internal/resilience"
)

// rrfK is the reciprocal rank fusion constant: score = sum(1/(k+rank)).
const rrfK = 60

// pointNamespace seeds deterministic point IDs. The same message chunk always
// maps to the same point ID, so a retried upsert overwrites instead of
// duplicating.
var pointNamespace = uuid.MustParse("8f6f61dd-6c2b-4f29-9bd1-57c4a1f0d8a3")

// PointID returns the deterministic vector point ID for one chunk of a message.
func PointID(messageID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(messageID+":"+strconv.Itoa(chunkIndex))).String()
}

// Config holds semantic index settings.
type Config struct {
	// Environment selects the collection; each environment gets its own.
	Environment string `koanf:"environment"`

	// FusionVariants is how many expanded query variants fusion search
	// requests in addition to the original query. Default: 3.
	FusionVariants int `koanf:"fusion_variants"`
}

// SearchRequest describes one similarity search. SessionID is mandatory.
type SearchRequest struct {
	SessionID    string
	Username     string
	TopicContext string
	Query        string
	Limit        int
}

// Index coordinates chunking, embedding, and vector storage for one
// environment-scoped collection.
type Index struct {
	store      PointStore
	embedder   embeddings.Provider
	expander   embeddings.QueryExpander
	wrapper    *resilience.Wrapper
	logger     *zap.Logger
	metrics    metrics.Sink
	collection string
	variants   int
}

// New creates an Index. expander may be nil; fusion search then degrades to
// plain search.
func New(store PointStore, embedder embeddings.Provider, expander embeddings.QueryExpander,
	wrapper *resilience.Wrapper, logger *zap.Logger, sink metrics.Sink, cfg Config) (*Index, error) {

	collection, err := CollectionName(cfg.Environment)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	variants := cfg.FusionVariants
	if variants <= 0 {
		variants = 3
	}

	return &Index{
		store:      store,
		embedder:   embedder,
		expander:   expander,
		wrapper:    wrapper,
		logger:     logger,
		metrics:    sink,
		collection: collection,
		variants:   variants,
	}, nil
}

// Collection returns the collection name this index writes to.
func (i *Index) Collection() string { return i.collection }

// Init ensures the collection exists with the embedder's vector size. Must be
// called before the first upload or search.
func (i *Index) Init(ctx context.Context) error {
	return i.wrapper.Do(ctx, "ensure_collection", func(ctx context.Context) error {
		return i.store.EnsureCollection(ctx, i.collection, i.embedder.Dimensions())
	})
}

// Upload chunks a message, embeds every chunk, and upserts the resulting
// points in a single batch. It returns the point IDs written, in chunk order.
//
// A message that would produce more than history.MaxChunksPerMessage chunks is
// rejected with a ResourceError before anything touches the network.
func (i *Index) Upload(ctx context.Context, msg history.Message) (pointIDs []string, err error) {
	start := time.Now()
	defer func() { i.recordOp("upload", start, err) }()

	if msg.ID == "" {
		return nil, history.NewValidationError("message_id", "required")
	}
	if msg.SessionID == "" {
		return nil, history.NewValidationError("session_id", "required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, history.NewValidationError("content", "required")
	}
	if n := len([]rune(msg.Content)); n > history.MaxMessageChars {
		return nil, history.NewValidationError("content",
			"must be at most "+strconv.Itoa(history.MaxMessageChars)+" characters, got "+strconv.Itoa(n))
	}
	if !msg.Role.Valid() {
		return nil, history.NewValidationError("role", "must be user or assistant")
	}

	chunks := ChunkContent(msg.Content)
	if len(chunks) > history.MaxChunksPerMessage {
		return nil, &history.ResourceError{
			Op: "upload", Resource: "chunks per message",
			Limit: history.MaxChunksPerMessage, Actual: len(chunks),
		}
	}

	texts := make([]string, len(chunks))
	for idx, c := range chunks {
		texts[idx] = c.Text
	}

	var vectors [][]float32
	if err := i.wrapper.Do(ctx, "embed_documents", func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = i.embedder.EmbedDocuments(ctx, texts)
		return embedErr
	}); err != nil {
		return nil, err
	}

	originalLen := len([]rune(msg.Content))
	points := make([]Point, len(chunks))
	pointIDs = make([]string, len(chunks))
	for idx, c := range chunks {
		id := PointID(msg.ID, c.Index)
		pointIDs[idx] = id
		points[idx] = Point{
			ID:     id,
			Vector: vectors[idx],
			Payload: Payload{
				MessageID:             msg.ID,
				SessionID:             msg.SessionID,
				Username:              msg.Username,
				ConversationID:        msg.ConversationID,
				Role:                  string(msg.Role),
				Content:               c.Text,
				TopicContext:          msg.TopicContext,
				CreatedAt:             msg.CreatedAt,
				ChunkIndex:            c.Index,
				TotalChunks:           c.Total,
				OriginalContentLength: originalLen,
			},
		}
	}

	if err := i.wrapper.Do(ctx, "upsert", func(ctx context.Context) error {
		return i.store.Upsert(ctx, i.collection, points)
	}); err != nil {
		return nil, err
	}

	i.logger.Debug("message indexed",
		zap.String("message_id", msg.ID),
		zap.String("collection", i.collection),
		zap.Int("chunks", len(points)))
	return pointIDs, nil
}

// Search embeds the query and returns the nearest chunks restricted to the
// requesting session. Every hit is re-verified against the requested session;
// a mismatch is a PrivacyError, never a silently dropped row.
func (i *Index) Search(ctx context.Context, req SearchRequest) (hits []history.SearchHit, err error) {
	start := time.Now()
	defer func() { i.recordOp("search", start, err) }()

	if err := i.validateSearch(&req); err != nil {
		return nil, err
	}

	vector, err := i.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	scored, err := i.query(ctx, vector, req)
	if err != nil {
		return nil, err
	}

	return i.toHits(scored, req.SessionID)
}

// FusionSearch expands the query into variants, searches each, and merges the
// ranked lists with reciprocal rank fusion. Expansion failures and individual
// variant failures degrade transparently; privacy and validation errors from
// any variant always surface.
func (i *Index) FusionSearch(ctx context.Context, req SearchRequest) (hits []history.SearchHit, err error) {
	start := time.Now()
	defer func() { i.recordOp("fusion_search", start, err) }()

	if err := i.validateSearch(&req); err != nil {
		return nil, err
	}

	if i.expander == nil {
		return i.Search(ctx, req)
	}

	variants, expandErr := i.expander.Expand(ctx, req.Query, i.variants)
	if expandErr != nil || len(variants) == 0 {
		i.logger.Warn("query expansion unavailable, falling back to plain search",
			zap.Error(expandErr))
		return i.Search(ctx, req)
	}

	queries := append([]string{req.Query}, variants...)
	var rankings [][]ScoredPoint
	for _, q := range queries {
		vector, qerr := i.embedQuery(ctx, q)
		if qerr != nil {
			if !history.Recoverable(qerr) && !isTolerable(qerr) {
				return nil, qerr
			}
			i.logger.Warn("fusion variant failed", zap.Error(qerr))
			continue
		}
		scored, qerr := i.query(ctx, vector, req)
		if qerr != nil {
			if !history.Recoverable(qerr) && !isTolerable(qerr) {
				return nil, qerr
			}
			i.logger.Warn("fusion variant failed", zap.Error(qerr))
			continue
		}
		rankings = append(rankings, scored)
	}

	if len(rankings) == 0 {
		return i.Search(ctx, req)
	}

	fused := fuseRRF(rankings, req.Limit)
	return i.toHits(fused, req.SessionID)
}

// isTolerable reports whether a per-variant fusion failure may be absorbed.
// Privacy and validation errors never are; store and timeout failures of one
// variant are, because the remaining variants still answer the query.
func isTolerable(err error) bool {
	return !history.IsPrivacyViolation(err) && !history.IsValidation(err)
}

// DeletePoints removes the given points from the collection.
func (i *Index) DeletePoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return i.wrapper.Do(ctx, "delete_points", func(ctx context.Context) error {
		return i.store.DeletePoints(ctx, i.collection, ids)
	})
}

// DeleteBySession removes every point owned by the session.
func (i *Index) DeleteBySession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return history.NewValidationError("session_id", "required")
	}
	return i.wrapper.Do(ctx, "delete_by_session", func(ctx context.Context) error {
		return i.store.DeleteBySession(ctx, i.collection, sessionID)
	})
}

// Count returns the number of points in the collection.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := i.wrapper.Do(ctx, "count", func(ctx context.Context) error {
		var countErr error
		n, countErr = i.store.Count(ctx, i.collection)
		return countErr
	})
	return n, err
}

// Close releases the backing store.
func (i *Index) Close() error { return i.store.Close() }

func (i *Index) validateSearch(req *SearchRequest) error {
	if req.SessionID == "" {
		return history.NewValidationError("session_id", "required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return history.NewValidationError("query", "required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit > history.MaxSearchLimit {
		return history.NewValidationError("limit",
			"must be at most "+strconv.Itoa(history.MaxSearchLimit))
	}
	return nil
}

func (i *Index) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var vector []float32
	err := i.wrapper.Do(ctx, "embed_query", func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = i.embedder.EmbedQuery(ctx, query)
		return embedErr
	})
	return vector, err
}

func (i *Index) query(ctx context.Context, vector []float32, req SearchRequest) ([]ScoredPoint, error) {
	filter := Filter{
		SessionID:    req.SessionID,
		Username:     req.Username,
		TopicContext: req.TopicContext,
	}
	var scored []ScoredPoint
	err := i.wrapper.Do(ctx, "query", func(ctx context.Context) error {
		var queryErr error
		scored, queryErr = i.store.Query(ctx, i.collection, vector, req.Limit, filter)
		return queryErr
	})
	return scored, err
}

// toHits converts scored points to search hits, verifying that every payload
// belongs to the requested session. The filter should already guarantee this;
// the check defends the boundary even if a backend filter misbehaves.
func (i *Index) toHits(scored []ScoredPoint, sessionID string) ([]history.SearchHit, error) {
	hits := make([]history.SearchHit, 0, len(scored))
	for _, sp := range scored {
		if sp.Payload.SessionID != sessionID {
			i.metrics.RecordPrivacyViolation("semanticindex")
			i.logger.Error("session isolation violated in search results",
				zap.String("requested_session", sessionID),
				zap.String("point_id", sp.ID))
			return nil, &history.PrivacyError{
				Op:               "search",
				RequestedSession: sessionID,
				ActualSession:    sp.Payload.SessionID,
			}
		}
		hits = append(hits, history.SearchHit{
			PointID:               sp.ID,
			MessageID:             sp.Payload.MessageID,
			ConversationID:        sp.Payload.ConversationID,
			SessionID:             sp.Payload.SessionID,
			Username:              sp.Payload.Username,
			Role:                  history.Role(sp.Payload.Role),
			Content:               sp.Payload.Content,
			TopicContext:          sp.Payload.TopicContext,
			ChunkIndex:            sp.Payload.ChunkIndex,
			TotalChunks:           sp.Payload.TotalChunks,
			OriginalContentLength: sp.Payload.OriginalContentLength,
			CreatedAt:             sp.Payload.CreatedAt,
			Score:                 sp.Score,
		})
	}
	return hits, nil
}

// fuseRRF merges ranked lists with reciprocal rank fusion: each point scores
// sum(1/(rrfK+rank)) across the lists it appears in, rank starting at 1. Ties
// break by point ID so the merged order is deterministic.
func fuseRRF(rankings [][]ScoredPoint, limit int) []ScoredPoint {
	type fusedPoint struct {
		point ScoredPoint
		score float32
	}
	fused := make(map[string]*fusedPoint)
	for _, ranking := range rankings {
		for rank, sp := range ranking {
			contribution := float32(1) / float32(rrfK+rank+1)
			if fp, ok := fused[sp.ID]; ok {
				fp.score += contribution
			} else {
				fused[sp.ID] = &fusedPoint{point: sp, score: contribution}
			}
		}
	}

	merged := make([]ScoredPoint, 0, len(fused))
	for _, fp := range fused {
		sp := fp.point
		sp.Score = fp.score
		merged = append(merged, sp)
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].Score != merged[b].Score {
			return merged[a].Score > merged[b].Score
		}
		return merged[a].ID < merged[b].ID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func (i *Index) recordOp(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	i.metrics.RecordOperation("semanticindex", op, result, time.Since(start))
}
