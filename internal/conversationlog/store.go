// Package conversationlog persists the authoritative conversation record in
// SQLite: conversations, messages, and the vector point references that tie
// each message to its chunks in the semantic index.
package conversationlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

var logTracer = otel.Tracer("historyd.conversationlog")

// traced runs fn inside a span, recording the outcome in its status.
func traced(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := logTracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is RFC 3339 with fixed-width nanoseconds so lexicographic order
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the conversation log.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "historyd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// classify maps a SQLite failure into the shared error taxonomy. Busy and
// locked databases are transient; everything else (constraints, corruption)
// is permanent.
func classify(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return history.NewStoreError(op, true, err)
		}
	}
	return history.NewStoreError(op, false, err)
}

// AppendMessage validates and persists one message, resolving its conversation:
//   - an explicit ConversationID is honored after an ownership check; a
//     conversation owned by another session is a privacy violation
//   - otherwise the session's most recent conversation continues, unless its
//     topic context differs from the message's, which starts a new one
//
// The returned message carries the generated IDs and timestamp.
func (s *Store) AppendMessage(ctx context.Context, msg history.Message) (history.Message, error) {
	var out history.Message
	err := traced(ctx, "ConversationLog.AppendMessage", func(ctx context.Context) error {
		var err error
		out, err = s.appendMessage(ctx, msg)
		return err
	}, attribute.String("session_id", msg.SessionID))
	return out, err
}

func (s *Store) appendMessage(ctx context.Context, msg history.Message) (history.Message, error) {
	if msg.SessionID == "" {
		return history.Message{}, history.NewValidationError("session_id", "required")
	}
	if !msg.Role.Valid() {
		return history.Message{}, history.NewValidationError("role", "must be user or assistant")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return history.Message{}, history.NewValidationError("content", "required")
	}
	if n := len([]rune(msg.Content)); n > history.MaxMessageChars {
		return history.Message{}, history.NewValidationError("content",
			fmt.Sprintf("must be at most %d characters, got %d", history.MaxMessageChars, n))
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return history.Message{}, classify("append_message", err)
	}
	defer tx.Rollback()

	conversationID, err := s.resolveConversation(ctx, tx, &msg, now)
	if err != nil {
		return history.Message{}, err
	}
	msg.ConversationID = conversationID

	pointIDs, err := json.Marshal(msg.VectorPointIDs)
	if err != nil {
		return history.Message{}, fmt.Errorf("marshaling point ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, session_id, username, role, content, topic_context, created_at, vector_point_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SessionID, msg.Username, string(msg.Role),
		msg.Content, msg.TopicContext, now.Format(timeLayout), string(pointIDs),
	); err != nil {
		return history.Message{}, classify("append_message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		now.Format(timeLayout), msg.ConversationID,
	); err != nil {
		return history.Message{}, classify("append_message", err)
	}

	if err := tx.Commit(); err != nil {
		return history.Message{}, classify("append_message", err)
	}
	return msg, nil
}

// resolveConversation picks or creates the conversation a message belongs to.
func (s *Store) resolveConversation(ctx context.Context, tx *sql.Tx, msg *history.Message, now time.Time) (string, error) {
	if msg.ConversationID != "" {
		var ownerSession string
		err := tx.QueryRowContext(ctx,
			`SELECT session_id FROM conversations WHERE id = ?`, msg.ConversationID,
		).Scan(&ownerSession)
		if err == sql.ErrNoRows {
			return "", history.NewValidationError("conversation_id", "unknown conversation")
		}
		if err != nil {
			return "", classify("append_message", err)
		}
		if ownerSession != msg.SessionID {
			return "", &history.PrivacyError{
				Op:               "append_message",
				RequestedSession: msg.SessionID,
				ActualSession:    ownerSession,
			}
		}
		return msg.ConversationID, nil
	}

	var latestID, latestTopic string
	err := tx.QueryRowContext(ctx, `
		SELECT id, topic_context FROM conversations
		WHERE session_id = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`, msg.SessionID,
	).Scan(&latestID, &latestTopic)
	switch {
	case err == sql.ErrNoRows:
		// First message of the session.
	case err != nil:
		return "", classify("append_message", err)
	case latestTopic == msg.TopicContext:
		return latestID, nil
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, username, topic_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, msg.SessionID, msg.Username, msg.TopicContext,
		now.Format(timeLayout), now.Format(timeLayout),
	); err != nil {
		return "", classify("append_message", err)
	}

	s.logger.Debug("conversation started",
		zap.String("conversation_id", id),
		zap.String("session_id", msg.SessionID),
		zap.String("topic_context", msg.TopicContext))
	return id, nil
}

// AttachVectorReference records the semantic index point IDs for a message
// after its chunks have been indexed.
func (s *Store) AttachVectorReference(ctx context.Context, messageID string, pointIDs []string) error {
	if messageID == "" {
		return history.NewValidationError("message_id", "required")
	}
	encoded, err := json.Marshal(pointIDs)
	if err != nil {
		return fmt.Errorf("marshaling point ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET vector_point_ids = ? WHERE id = ?`,
		string(encoded), messageID,
	)
	if err != nil {
		return classify("attach_vector_reference", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("attach_vector_reference", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HistoryRequest selects messages for one session. ConversationID and
// TopicContext narrow the result; Limit defaults to 50. Offset skips the
// given number of messages counted back from the newest, so pages walk from
// the most recent history toward the oldest.
type HistoryRequest struct {
	SessionID      string
	ConversationID string
	TopicContext   string
	Limit          int
	Offset         int
}

// checkConversationOwnership resolves a conversation's owning session and
// rejects access from any other session. An unknown conversation is a
// validation failure; a foreign one is a privacy violation, reported as such
// so it is never mistaken for "not found".
func (s *Store) checkConversationOwnership(ctx context.Context, op, sessionID, conversationID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM conversations WHERE id = ?`, conversationID,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return history.NewValidationError("conversation_id", "unknown conversation")
	}
	if err != nil {
		return classify(op, err)
	}
	if owner != sessionID {
		return &history.PrivacyError{
			Op:               op,
			RequestedSession: sessionID,
			ActualSession:    owner,
		}
	}
	return nil
}

const messageColumns = `id, conversation_id, session_id, username, role, content, topic_context, created_at, vector_point_ids`

// ListHistory returns the most recent messages for a session in chronological
// order. An unknown session yields an empty result, not an error.
func (s *Store) ListHistory(ctx context.Context, req HistoryRequest) ([]history.Message, error) {
	var out []history.Message
	err := traced(ctx, "ConversationLog.ListHistory", func(ctx context.Context) error {
		var err error
		out, err = s.listHistory(ctx, req)
		return err
	}, attribute.String("session_id", req.SessionID))
	return out, err
}

func (s *Store) listHistory(ctx context.Context, req HistoryRequest) ([]history.Message, error) {
	if req.SessionID == "" {
		return nil, history.NewValidationError("session_id", "required")
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > history.MaxHistoryLimit {
		return nil, history.NewValidationError("limit",
			fmt.Sprintf("must be at most %d", history.MaxHistoryLimit))
	}
	if req.Offset < 0 {
		return nil, history.NewValidationError("offset", "must not be negative")
	}
	if req.ConversationID != "" {
		if err := s.checkConversationOwnership(ctx, "list_history", req.SessionID, req.ConversationID); err != nil {
			return nil, err
		}
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []interface{}{req.SessionID}
	if req.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, req.ConversationID)
	}
	if req.TopicContext != "" {
		query += ` AND topic_context = ?`
		args = append(args, req.TopicContext)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, req.Limit, req.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_history", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first selection, oldest-first presentation.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]history.Message, error) {
	var messages []history.Message
	for rows.Next() {
		var m history.Message
		var role, createdAt, pointIDs string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SessionID, &m.Username,
			&role, &m.Content, &m.TopicContext, &createdAt, &pointIDs); err != nil {
			return nil, classify("scan_message", err)
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		m.Role = history.Role(role)
		if err := json.Unmarshal([]byte(pointIDs), &m.VectorPointIDs); err != nil {
			return nil, fmt.Errorf("parsing vector_point_ids: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan_message", err)
	}
	return messages, nil
}

// ListConversations returns a page of a session's conversations, most
// recently active first, with message counts. Offset skips that many
// conversations from the top of the ordering.
func (s *Store) ListConversations(ctx context.Context, sessionID string, limit, offset int) ([]history.Conversation, error) {
	var out []history.Conversation
	err := traced(ctx, "ConversationLog.ListConversations", func(ctx context.Context) error {
		var err error
		out, err = s.listConversations(ctx, sessionID, limit, offset)
		return err
	}, attribute.String("session_id", sessionID))
	return out, err
}

func (s *Store) listConversations(ctx context.Context, sessionID string, limit, offset int) ([]history.Conversation, error) {
	if sessionID == "" {
		return nil, history.NewValidationError("session_id", "required")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > history.MaxHistoryLimit {
		return nil, history.NewValidationError("limit",
			fmt.Sprintf("must be at most %d", history.MaxHistoryLimit))
	}
	if offset < 0 {
		return nil, history.NewValidationError("offset", "must not be negative")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.session_id, c.username, c.topic_context, c.created_at, c.updated_at,
		       COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.session_id = ?
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.created_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset,
	)
	if err != nil {
		return nil, classify("list_conversations", err)
	}
	defer rows.Close()

	var conversations []history.Conversation
	for rows.Next() {
		var c history.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Username, &c.TopicContext,
			&createdAt, &updatedAt, &c.MessageCount); err != nil {
			return nil, classify("list_conversations", err)
		}
		if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// CountMessages returns how many messages match the request's session and
// optional conversation/topic filters. Limit and Offset are ignored.
func (s *Store) CountMessages(ctx context.Context, req HistoryRequest) (int, error) {
	if req.SessionID == "" {
		return 0, history.NewValidationError("session_id", "required")
	}
	if req.ConversationID != "" {
		if err := s.checkConversationOwnership(ctx, "count_messages", req.SessionID, req.ConversationID); err != nil {
			return 0, err
		}
	}

	query := `SELECT COUNT(*) FROM messages WHERE session_id = ?`
	args := []interface{}{req.SessionID}
	if req.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, req.ConversationID)
	}
	if req.TopicContext != "" {
		query += ` AND topic_context = ?`
		args = append(args, req.TopicContext)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count_messages", err)
	}
	return n, nil
}

// CountConversations returns how many conversations the session owns.
func (s *Store) CountConversations(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, history.NewValidationError("session_id", "required")
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, classify("count_conversations", err)
	}
	return n, nil
}

// DeleteResult summarizes what a delete removed from the relational side, plus
// the vector point IDs the caller must also remove from the semantic index.
type DeleteResult struct {
	Messages      int
	Conversations int
	PointIDs      []string
}

// DeleteHistory removes every conversation and message owned by the session.
func (s *Store) DeleteHistory(ctx context.Context, sessionID string) (DeleteResult, error) {
	var out DeleteResult
	err := traced(ctx, "ConversationLog.DeleteHistory", func(ctx context.Context) error {
		var err error
		out, err = s.deleteHistory(ctx, sessionID)
		return err
	}, attribute.String("session_id", sessionID))
	return out, err
}

func (s *Store) deleteHistory(ctx context.Context, sessionID string) (DeleteResult, error) {
	if sessionID == "" {
		return DeleteResult{}, history.NewValidationError("session_id", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, classify("delete_history", err)
	}
	defer tx.Rollback()

	pointIDs, messageIDs, err := collectPointIDs(ctx, tx,
		`SELECT id, vector_point_ids FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return DeleteResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return DeleteResult{}, classify("delete_history", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		return DeleteResult{}, classify("delete_history", err)
	}
	conversations, err := res.RowsAffected()
	if err != nil {
		return DeleteResult{}, classify("delete_history", err)
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, classify("delete_history", err)
	}
	return DeleteResult{
		Messages:      len(messageIDs),
		Conversations: int(conversations),
		PointIDs:      pointIDs,
	}, nil
}

// DeleteConversation removes one conversation and its messages after
// verifying the requesting session owns it.
func (s *Store) DeleteConversation(ctx context.Context, sessionID, conversationID string) (DeleteResult, error) {
	var out DeleteResult
	err := traced(ctx, "ConversationLog.DeleteConversation", func(ctx context.Context) error {
		var err error
		out, err = s.deleteConversation(ctx, sessionID, conversationID)
		return err
	}, attribute.String("session_id", sessionID))
	return out, err
}

func (s *Store) deleteConversation(ctx context.Context, sessionID, conversationID string) (DeleteResult, error) {
	if sessionID == "" {
		return DeleteResult{}, history.NewValidationError("session_id", "required")
	}
	if conversationID == "" {
		return DeleteResult{}, history.NewValidationError("conversation_id", "required")
	}
	if err := s.checkConversationOwnership(ctx, "delete_conversation", sessionID, conversationID); err != nil {
		return DeleteResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, classify("delete_conversation", err)
	}
	defer tx.Rollback()

	pointIDs, messageIDs, err := collectPointIDs(ctx, tx,
		`SELECT id, vector_point_ids FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return DeleteResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return DeleteResult{}, classify("delete_conversation", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return DeleteResult{}, classify("delete_conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, classify("delete_conversation", err)
	}
	return DeleteResult{
		Messages:      len(messageIDs),
		Conversations: 1,
		PointIDs:      pointIDs,
	}, nil
}

// TrimSession deletes the oldest messages beyond keep for one session. The
// deletes run in transactions of at most batchSize rows (0 means a single
// unbounded transaction) so a large trim never holds the writer for long.
func (s *Store) TrimSession(ctx context.Context, sessionID string, keep, batchSize int) (DeleteResult, error) {
	var out DeleteResult
	err := traced(ctx, "ConversationLog.TrimSession", func(ctx context.Context) error {
		var err error
		out, err = s.trimSession(ctx, sessionID, keep, batchSize)
		return err
	}, attribute.String("session_id", sessionID), attribute.Int("keep", keep))
	return out, err
}

func (s *Store) trimSession(ctx context.Context, sessionID string, keep, batchSize int) (DeleteResult, error) {
	if sessionID == "" {
		return DeleteResult{}, history.NewValidationError("session_id", "required")
	}
	if keep < 0 {
		return DeleteResult{}, history.NewValidationError("keep", "must not be negative")
	}

	var result DeleteResult
	for {
		batch, err := s.trimSessionBatch(ctx, sessionID, keep, batchSize)
		result.Messages += batch.Messages
		result.PointIDs = append(result.PointIDs, batch.PointIDs...)
		if err != nil {
			return result, err
		}
		if batch.Messages == 0 || batchSize <= 0 {
			return result, nil
		}
	}
}

// trimSessionBatch removes at most batchSize of the oldest excess messages in
// one transaction.
func (s *Store) trimSessionBatch(ctx context.Context, sessionID string, keep, batchSize int) (DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, classify("trim_session", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&total); err != nil {
		return DeleteResult{}, classify("trim_session", err)
	}
	excess := total - keep
	if excess <= 0 {
		return DeleteResult{}, nil
	}
	if batchSize > 0 && excess > batchSize {
		excess = batchSize
	}

	pointIDs, messageIDs, err := collectPointIDs(ctx, tx, `
		SELECT id, vector_point_ids FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, sessionID, excess)
	if err != nil {
		return DeleteResult{}, err
	}

	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return DeleteResult{}, classify("trim_session", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, classify("trim_session", err)
	}
	return DeleteResult{Messages: len(messageIDs), PointIDs: pointIDs}, nil
}

// TrimConversations deletes a session's least recently active conversations
// beyond keep, along with their messages.
func (s *Store) TrimConversations(ctx context.Context, sessionID string, keep int) (DeleteResult, error) {
	var out DeleteResult
	err := traced(ctx, "ConversationLog.TrimConversations", func(ctx context.Context) error {
		var err error
		out, err = s.trimConversations(ctx, sessionID, keep)
		return err
	}, attribute.String("session_id", sessionID), attribute.Int("keep", keep))
	return out, err
}

func (s *Store) trimConversations(ctx context.Context, sessionID string, keep int) (DeleteResult, error) {
	if sessionID == "" {
		return DeleteResult{}, history.NewValidationError("session_id", "required")
	}
	if keep < 0 {
		return DeleteResult{}, history.NewValidationError("keep", "must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, classify("trim_conversations", err)
	}
	defer tx.Rollback()

	// Most recently active first; everything past the first keep rows goes.
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE session_id = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT -1 OFFSET ?`, sessionID, keep)
	if err != nil {
		return DeleteResult{}, classify("trim_conversations", err)
	}
	var conversationIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return DeleteResult{}, classify("trim_conversations", err)
		}
		conversationIDs = append(conversationIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return DeleteResult{}, classify("trim_conversations", err)
	}
	rows.Close()
	if len(conversationIDs) == 0 {
		return DeleteResult{}, nil
	}

	var result DeleteResult
	for _, id := range conversationIDs {
		pointIDs, messageIDs, err := collectPointIDs(ctx, tx,
			`SELECT id, vector_point_ids FROM messages WHERE conversation_id = ?`, id)
		if err != nil {
			return DeleteResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return DeleteResult{}, classify("trim_conversations", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return DeleteResult{}, classify("trim_conversations", err)
		}
		result.Messages += len(messageIDs)
		result.Conversations++
		result.PointIDs = append(result.PointIDs, pointIDs...)
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, classify("trim_conversations", err)
	}
	return result, nil
}

func collectPointIDs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (pointIDs, messageIDs []string, err error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, classify("collect_point_ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, encoded string
		if err := rows.Scan(&id, &encoded); err != nil {
			return nil, nil, classify("collect_point_ids", err)
		}
		messageIDs = append(messageIDs, id)
		var ids []string
		if err := json.Unmarshal([]byte(encoded), &ids); err != nil {
			return nil, nil, fmt.Errorf("parsing vector_point_ids: %w", err)
		}
		pointIDs = append(pointIDs, ids...)
	}
	return pointIDs, messageIDs, rows.Err()
}

// DeleteEmptyConversations removes conversations that no longer have messages.
func (s *Store) DeleteEmptyConversations(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE id NOT IN (SELECT DISTINCT conversation_id FROM messages)`)
	if err != nil {
		return 0, classify("delete_empty_conversations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete_empty_conversations", err)
	}
	return int(n), nil
}

// SessionActivity summarizes one session for retention decisions.
type SessionActivity struct {
	SessionID         string
	MessageCount      int
	ConversationCount int
	LastActivity      time.Time
}

// Sessions returns per-session activity, oldest last activity first.
func (s *Store) Sessions(ctx context.Context) ([]SessionActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id, COUNT(*), MAX(m.created_at),
		       (SELECT COUNT(*) FROM conversations c WHERE c.session_id = m.session_id)
		FROM messages m
		GROUP BY m.session_id
		ORDER BY MAX(m.created_at) ASC`)
	if err != nil {
		return nil, classify("sessions", err)
	}
	defer rows.Close()

	var sessions []SessionActivity
	for rows.Next() {
		var sa SessionActivity
		var last string
		if err := rows.Scan(&sa.SessionID, &sa.MessageCount, &last, &sa.ConversationCount); err != nil {
			return nil, classify("sessions", err)
		}
		if sa.LastActivity, err = time.Parse(timeLayout, last); err != nil {
			return nil, fmt.Errorf("parsing last activity: %w", err)
		}
		sessions = append(sessions, sa)
	}
	return sessions, rows.Err()
}

// RecordOrphanedPoints remembers index points whose relational rows are gone
// but whose index delete did not go through, so a later orphan-pruning pass
// can retry the removal.
func (s *Store) RecordOrphanedPoints(ctx context.Context, sessionID string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("record_orphaned_points", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, id := range pointIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO orphaned_points (point_id, session_id, recorded_at)
			VALUES (?, ?, ?)`, id, sessionID, now,
		); err != nil {
			return classify("record_orphaned_points", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("record_orphaned_points", err)
	}
	return nil
}

// OrphanedPoints returns up to limit point IDs awaiting index removal.
func (s *Store) OrphanedPoints(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id FROM orphaned_points ORDER BY recorded_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("orphaned_points", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("orphaned_points", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearOrphanedPoints drops ledger entries whose index delete succeeded.
func (s *Store) ClearOrphanedPoints(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("clear_orphaned_points", err)
	}
	defer tx.Rollback()

	for _, id := range pointIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM orphaned_points WHERE point_id = ?`, id); err != nil {
			return classify("clear_orphaned_points", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("clear_orphaned_points", err)
	}
	return nil
}

// Stats holds aggregate counts over the conversation log.
type Stats struct {
	Sessions      int `json:"sessions"`
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
}

// Counts returns aggregate counts for observability and retention reports.
func (s *Store) Counts(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT session_id) FROM conversations),
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages)`,
	).Scan(&st.Sessions, &st.Conversations, &st.Messages)
	if err != nil {
		return Stats{}, classify("counts", err)
	}
	return st, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}
