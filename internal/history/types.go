// Package history defines the domain model and error taxonomy shared by the
// conversation log, the semantic index, and the retention engine.
package history

import "time"

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message written by the end user.
	RoleUser Role = "user"

	// RoleAssistant marks a message written by the assistant.
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Hard limits on stored content.
const (
	// MaxMessageChars is the maximum length of a message's content.
	MaxMessageChars = 50_000

	// MaxChunkChars is the maximum length of a single indexed chunk.
	MaxChunkChars = 1_000

	// MaxChunksPerMessage caps how many chunks one message may produce.
	// Exceeding it fails the whole upload before any network write.
	MaxChunksPerMessage = 50
)

// Pagination bounds for read operations.
const (
	MaxHistoryLimit = 1000
	MaxSearchLimit  = 100
)

// Conversation is a thread of messages sharing a session and a topical context.
//
// A conversation is created lazily on the first message of a session, or when
// a new message's topic context differs from the active conversation's.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	SessionID    string    `json:"session_id"`
	Username     string    `json:"username,omitempty"`
	TopicContext string    `json:"topic_context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// MessageCount is populated by list operations.
	MessageCount int `json:"message_count"`
}

// Message is a single exchange entry. Immutable after creation except for
// attaching vector point references.
type Message struct {
	ID             string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	Username       string    `json:"username,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TopicContext   string    `json:"topic_context,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// VectorPointIDs links the message to its chunks in the semantic index.
	VectorPointIDs []string `json:"vector_point_ids,omitempty"`
}

// SearchHit is one ranked result from the semantic index. Content holds a
// single chunk of the original message, not the whole message.
type SearchHit struct {
	PointID               string    `json:"point_id"`
	MessageID             string    `json:"message_id"`
	ConversationID        string    `json:"conversation_id"`
	SessionID             string    `json:"session_id"`
	Username              string    `json:"username,omitempty"`
	Role                  Role      `json:"role"`
	Content               string    `json:"content"`
	TopicContext          string    `json:"topic_context,omitempty"`
	ChunkIndex            int       `json:"chunk_index"`
	TotalChunks           int       `json:"total_chunks"`
	OriginalContentLength int       `json:"original_content_length"`
	CreatedAt             time.Time `json:"created_at"`
	Score                 float32   `json:"score"`
}

// SearchResult is a ranked result set. Degraded is set when a recoverable
// store failure was converted into an empty result instead of an error, so
// callers can distinguish degraded answers from authoritative ones.
type SearchResult struct {
	Hits     []SearchHit `json:"hits"`
	Degraded bool        `json:"degraded,omitempty"`
}
