package semanticindex

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

var qdrantTracer = otel.Tracer("historyd.semanticindex.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (not the HTTP REST port). Default: 6334.
	Port int `koanf:"port"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxMessageSize is the maximum gRPC message size in bytes. Default: 50MB.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return history.NewValidationError("qdrant.host", "must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return history.NewValidationError("qdrant.port", fmt.Sprintf("invalid port %d", c.Port))
	}
	return nil
}

// QdrantStore is a PointStore backed by Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and verifies the connection with a
// health check.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, history.NewStoreError("qdrant_connect", true, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, history.NewStoreError("qdrant_connect", true, err)
	}

	return &QdrantStore{client: client, config: config, logger: logger}, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// classify converts a gRPC failure into the taxonomy. Transient transport
// conditions are recoverable; argument and permission failures are not.
func classify(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return history.NewStoreError(op, false, err)
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return history.NewStoreError(op, true, err)
	case grpccodes.DeadlineExceeded:
		return &history.TimeoutError{Op: op, Err: err}
	default:
		return history.NewStoreError(op, false, err)
	}
}

// EnsureCollection creates the collection with cosine distance on first use,
// or validates an existing collection's vector size. Mismatches fail loudly.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("vector_size", vectorSize),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != grpccodes.NotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classify("ensure_collection", err)
		}

		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classify("create_collection", err)
		}
		s.logger.Info("collection created",
			zap.String("collection", collection),
			zap.Int("vector_size", vectorSize))
		span.SetStatus(codes.Ok, "created")
		return nil
	}

	existing := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if existing != nil {
		if existing.GetSize() != uint64(vectorSize) {
			err := history.NewStoreError("ensure_collection", false,
				fmt.Errorf("%w: collection %s has vector size %d, want %d",
					ErrCollectionMismatch, collection, existing.GetSize(), vectorSize))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if existing.GetDistance() != qdrant.Distance_Cosine {
			err := history.NewStoreError("ensure_collection", false,
				fmt.Errorf("%w: collection %s uses distance %s, want Cosine",
					ErrCollectionMismatch, collection, existing.GetDistance()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	span.SetStatus(codes.Ok, "validated")
	return nil
}

// Upsert writes points in one batch. Idempotent by point ID.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("point_count", len(points)),
	)

	if len(points) == 0 {
		return nil
	}

	qPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payloadToQdrant(p.ID, p.Payload),
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qPoints,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classify("upsert", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query runs nearest-neighbor search with the session filter applied.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]ScoredPoint, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("limit", limit),
	)

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filterToQdrant(filter),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify("query", err)
	}

	points := make([]ScoredPoint, len(results))
	for i, r := range results {
		payload, pointID := payloadFromQdrant(r.GetPayload())
		points[i] = ScoredPoint{
			ID:      pointID,
			Score:   r.GetScore(),
			Payload: payload,
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(points)))
	span.SetStatus(codes.Ok, "success")
	return points, nil
}

// DeletePoints removes points by ID.
func (s *QdrantStore) DeletePoints(ctx context.Context, collection string, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeletePoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classify("delete_points", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteBySession removes every point whose payload session matches.
func (s *QdrantStore) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteBySession")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: filterToQdrant(Filter{SessionID: sessionID}),
			},
		},
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classify("delete_by_session", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		st, ok := status.FromError(err)
		if ok && st.Code() == grpccodes.NotFound {
			return 0, nil
		}
		return 0, classify("count", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return int(*info.PointsCount), nil
}

// payloadToQdrant flattens a Payload into the qdrant value map. The point ID
// is mirrored into the payload so filter-based reads can recover it.
func payloadToQdrant(pointID string, p Payload) map[string]*qdrant.Value {
	return qdrant.NewValueMap(map[string]any{
		"point_id":                pointID,
		"message_id":              p.MessageID,
		"session_id":              p.SessionID,
		"username":                p.Username,
		"conversation_id":         p.ConversationID,
		"role":                    p.Role,
		"content":                 p.Content,
		"topic_context":           p.TopicContext,
		"created_at":              p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"chunk_index":             int64(p.ChunkIndex),
		"total_chunks":            int64(p.TotalChunks),
		"original_content_length": int64(p.OriginalContentLength),
	})
}

func payloadFromQdrant(values map[string]*qdrant.Value) (Payload, string) {
	var p Payload
	var pointID string
	for k, v := range values {
		switch k {
		case "point_id":
			pointID = v.GetStringValue()
		case "message_id":
			p.MessageID = v.GetStringValue()
		case "session_id":
			p.SessionID = v.GetStringValue()
		case "username":
			p.Username = v.GetStringValue()
		case "conversation_id":
			p.ConversationID = v.GetStringValue()
		case "role":
			p.Role = v.GetStringValue()
		case "content":
			p.Content = v.GetStringValue()
		case "topic_context":
			p.TopicContext = v.GetStringValue()
		case "created_at":
			if t, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
				p.CreatedAt = t
			}
		case "chunk_index":
			p.ChunkIndex = int(v.GetIntegerValue())
		case "total_chunks":
			p.TotalChunks = int(v.GetIntegerValue())
		case "original_content_length":
			p.OriginalContentLength = int(v.GetIntegerValue())
		}
	}
	return p, pointID
}

// filterToQdrant builds the must-match conditions for a filter.
func filterToQdrant(f Filter) *qdrant.Filter {
	conditions := []*qdrant.Condition{
		qdrant.NewMatch("session_id", f.SessionID),
	}
	if f.Username != "" {
		conditions = append(conditions, qdrant.NewMatch("username", f.Username))
	}
	if f.TopicContext != "" {
		conditions = append(conditions, qdrant.NewMatch("topic_context", f.TopicContext))
	}
	return &qdrant.Filter{Must: conditions}
}

var _ PointStore = (*QdrantStore)(nil)
