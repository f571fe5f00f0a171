// Package service orchestrates the dual-store write path: every message is
// committed to the conversation log synchronously, then indexed into the
// semantic store asynchronously. Reads never block on indexing.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/conversationlog"
	"github.com/fyrsmithlabs/historyd/internal/history"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
	"github.com/fyrsmithlabs/historyd/internal/semanticindex"
)

// Config holds service-level settings.
type Config struct {
	// QueueSize bounds the asynchronous index queue. Default: 256.
	QueueSize int `koanf:"queue_size"`

	// Workers is the number of index workers. Default: 2.
	Workers int `koanf:"workers"`

	// IndexTimeout bounds one asynchronous index job. Default: 60s.
	IndexTimeout time.Duration `koanf:"index_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 60 * time.Second
	}
}

// SearchRequest is a semantic search over one session's history.
type SearchRequest struct {
	SessionID    string `json:"session_id"`
	Username     string `json:"username,omitempty"`
	TopicContext string `json:"topic_context,omitempty"`
	Query        string `json:"query"`
	Limit        int    `json:"limit,omitempty"`

	// Fusion enables multi-query fusion search.
	Fusion bool `json:"fusion,omitempty"`
}

// Service is the chat history engine's front door.
type Service struct {
	log     *conversationlog.Store
	index   *semanticindex.Index
	logger  *zap.Logger
	metrics metrics.Sink
	config  Config

	queue   chan history.Message
	jobs    sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates the service and starts its index workers.
func New(log *conversationlog.Store, index *semanticindex.Index,
	logger *zap.Logger, sink metrics.Sink, config Config) *Service {

	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}

	s := &Service{
		log:     log,
		index:   index,
		logger:  logger,
		metrics: sink,
		config:  config,
		queue:   make(chan history.Message, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		s.workers.Add(1)
		go s.indexWorker()
	}
	return s
}

// Append commits a message to the conversation log and schedules it for
// semantic indexing. The log write is authoritative: once Append returns, the
// message is durable even if indexing later fails.
func (s *Service) Append(ctx context.Context, msg history.Message) (history.Message, error) {
	saved, err := s.log.AppendMessage(ctx, msg)
	if err != nil {
		return history.Message{}, err
	}

	// Enqueue under the lock so no job can slip in after Close has started
	// draining the queue.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// The log write is already durable; the message just misses the index.
		s.logger.Warn("message accepted during shutdown, skipping indexing",
			zap.String("message_id", saved.ID))
		return saved, nil
	}
	s.jobs.Add(1)
	select {
	case s.queue <- saved:
		s.metrics.SetIndexQueueDepth(len(s.queue))
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		// Queue saturated: index inline rather than drop the message.
		s.logger.Warn("index queue full, indexing synchronously",
			zap.String("message_id", saved.ID))
		s.indexMessage(saved)
	}
	return saved, nil
}

func (s *Service) indexWorker() {
	defer s.workers.Done()
	for msg := range s.queue {
		s.metrics.SetIndexQueueDepth(len(s.queue))
		s.indexMessage(msg)
	}
}

// indexMessage uploads one message's chunks and attaches the point references
// back onto the log row. Failures are terminal for the job; the message stays
// readable from the log and is simply absent from semantic search.
func (s *Service) indexMessage(msg history.Message) {
	defer s.jobs.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.IndexTimeout)
	defer cancel()

	pointIDs, err := s.index.Upload(ctx, msg)
	if err != nil {
		s.logger.Error("indexing message failed",
			zap.String("message_id", msg.ID),
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		return
	}

	if err := s.log.AttachVectorReference(ctx, msg.ID, pointIDs); err != nil {
		// The message may have been deleted between commit and indexing;
		// remove the freshly written points so nothing is left orphaned.
		if errors.Is(err, conversationlog.ErrNotFound) {
			if cleanupErr := s.index.DeletePoints(ctx, pointIDs); cleanupErr != nil {
				s.logger.Error("cleaning up points for deleted message failed",
					zap.String("message_id", msg.ID), zap.Error(cleanupErr))
			}
			return
		}
		s.logger.Error("attaching vector reference failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Flush blocks until every queued index job has completed.
func (s *Service) Flush() {
	s.jobs.Wait()
}

// History returns a session's recent messages from the conversation log.
func (s *Service) History(ctx context.Context, req conversationlog.HistoryRequest) ([]history.Message, error) {
	return s.log.ListHistory(ctx, req)
}

// Conversations returns a page of a session's conversations.
func (s *Service) Conversations(ctx context.Context, sessionID string, limit, offset int) ([]history.Conversation, error) {
	return s.log.ListConversations(ctx, sessionID, limit, offset)
}

// SessionStats holds per-session counts from the conversation log.
type SessionStats struct {
	Messages      int `json:"messages"`
	Conversations int `json:"conversations"`
}

// Stats returns how many messages and conversations a session owns.
func (s *Service) Stats(ctx context.Context, sessionID string) (SessionStats, error) {
	messages, err := s.log.CountMessages(ctx, conversationlog.HistoryRequest{SessionID: sessionID})
	if err != nil {
		return SessionStats{}, err
	}
	conversations, err := s.log.CountConversations(ctx, sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	return SessionStats{Messages: messages, Conversations: conversations}, nil
}

// Search runs semantic search over the session's indexed history. Recoverable
// index failures degrade into an empty, flagged result so the caller's chat
// flow keeps working; validation and privacy failures always surface.
func (s *Service) Search(ctx context.Context, req SearchRequest) (history.SearchResult, error) {
	indexReq := semanticindex.SearchRequest{
		SessionID:    req.SessionID,
		Username:     req.Username,
		TopicContext: req.TopicContext,
		Query:        req.Query,
		Limit:        req.Limit,
	}

	var hits []history.SearchHit
	var err error
	if req.Fusion {
		hits, err = s.index.FusionSearch(ctx, indexReq)
	} else {
		hits, err = s.index.Search(ctx, indexReq)
	}
	if err != nil {
		if history.IsValidation(err) || history.IsPrivacyViolation(err) {
			return history.SearchResult{}, err
		}
		s.metrics.RecordFallback("search")
		s.logger.Warn("search degraded to empty result",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return history.SearchResult{Hits: []history.SearchHit{}, Degraded: true}, nil
	}
	return history.SearchResult{Hits: hits}, nil
}

// DeleteHistory removes history from both stores, relational rows first, then
// the index points. An empty conversationID deletes the whole session; a
// non-empty one deletes that single conversation after an ownership check.
// Points left behind by an index failure are recorded for retention's orphan
// pruning to retry.
func (s *Service) DeleteHistory(ctx context.Context, sessionID, conversationID string) (conversationlog.DeleteResult, error) {
	if conversationID != "" {
		deleted, err := s.log.DeleteConversation(ctx, sessionID, conversationID)
		if err != nil {
			return conversationlog.DeleteResult{}, err
		}
		if err := s.index.DeletePoints(ctx, deleted.PointIDs); err != nil {
			s.recordOrphans(ctx, sessionID, deleted.PointIDs)
			return deleted, err
		}
		return deleted, nil
	}

	deleted, err := s.log.DeleteHistory(ctx, sessionID)
	if err != nil {
		return conversationlog.DeleteResult{}, err
	}
	if err := s.index.DeleteBySession(ctx, sessionID); err != nil {
		s.recordOrphans(ctx, sessionID, deleted.PointIDs)
		return deleted, err
	}
	return deleted, nil
}

func (s *Service) recordOrphans(ctx context.Context, sessionID string, pointIDs []string) {
	if err := s.log.RecordOrphanedPoints(ctx, sessionID, pointIDs); err != nil {
		s.logger.Error("recording orphaned points failed",
			zap.String("session_id", sessionID),
			zap.Int("points", len(pointIDs)),
			zap.Error(err))
	}
}

// Healthy reports whether the conversation log is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.log.Ping(ctx)
}

// Ready reports whether both stores are reachable.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.log.Ping(ctx); err != nil {
		return err
	}
	_, err := s.index.Count(ctx)
	return err
}

// Close drains the index queue and shuts down both stores.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.jobs.Wait()
	close(s.queue)
	s.workers.Wait()

	var errs []error
	if err := s.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
