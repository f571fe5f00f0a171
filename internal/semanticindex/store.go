package semanticindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Sentinel errors for point store operations.
var (
	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionMismatch indicates an existing collection's configuration
	// does not match what this deployment expects. Fatal: datasets must never
	// be silently coerced across vector sizes.
	ErrCollectionMismatch = errors.New("collection configuration mismatch")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against security rules.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CollectionName returns the collection for a deployment environment.
// One collection per environment keeps datasets from crossing environment
// boundaries.
func CollectionName(environment string) (string, error) {
	name := "chat_history_" + environment
	if err := ValidateCollectionName(name); err != nil {
		return "", fmt.Errorf("environment %q: %w", environment, err)
	}
	return name, nil
}

// Payload is the full metadata carried by every point. SessionID is the
// privacy boundary; it is written on upload and checked again on every read.
type Payload struct {
	MessageID             string
	SessionID             string
	Username              string
	ConversationID        string
	Role                  string
	Content               string
	TopicContext          string
	CreatedAt             time.Time
	ChunkIndex            int
	TotalChunks           int
	OriginalContentLength int
}

// Point is the atomic unit stored in the vector index: one chunk's embedding
// plus its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a point returned from a similarity query.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter restricts a query to matching payloads. SessionID is mandatory for
// every search this package issues; Username and TopicContext are optional.
type Filter struct {
	SessionID    string
	Username     string
	TopicContext string
}

// PointStore is the backend interface for vector point storage. Implementations
// classify their own failures into the history error taxonomy; they do not
// retry internally; the resilience wrapper owns that policy.
type PointStore interface {
	// EnsureCollection creates the collection on first use with the given
	// vector size and cosine distance, or validates that an existing
	// collection matches. A mismatch returns ErrCollectionMismatch wrapped in
	// a non-recoverable store error.
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error

	// Upsert writes points in one batch. Upserts are idempotent by point ID:
	// a retried upsert overwrites rather than duplicates.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query runs nearest-neighbor search with the filter applied.
	Query(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]ScoredPoint, error)

	// DeletePoints removes points by ID. Missing IDs are not an error.
	DeletePoints(ctx context.Context, collection string, ids []string) error

	// DeleteBySession removes every point whose payload session matches.
	DeleteBySession(ctx context.Context, collection string, sessionID string) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases backend resources.
	Close() error
}
