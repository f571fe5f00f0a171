// Package retention enforces history lifecycle policy: expiring idle sessions,
// trimming oversized ones, and pruning relational orphans, always against both
// stores so the conversation log and the semantic index stay consistent.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/historyd/internal/conversationlog"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
	"github.com/fyrsmithlabs/historyd/internal/semanticindex"
)

// Policy controls what the retention engine removes. Zero values disable the
// corresponding rule.
type Policy struct {
	// MaxSessionAge expires sessions whose last activity is older than this.
	MaxSessionAge time.Duration `koanf:"max_session_age"`

	// MaxMessagesPerSession trims a session's oldest messages beyond this cap.
	MaxMessagesPerSession int `koanf:"max_messages_per_session"`

	// MaxConversationsPerSession trims a session's least recently active
	// conversations beyond this cap.
	MaxConversationsPerSession int `koanf:"max_conversations_per_session"`

	// CleanupBatchSize bounds how many rows one delete transaction touches.
	// Default: 500.
	CleanupBatchSize int `koanf:"cleanup_batch_size"`

	// BatchConcurrency bounds how many sessions are cleaned in parallel.
	// Default: 4.
	BatchConcurrency int `koanf:"batch_concurrency"`
}

func (p Policy) concurrency() int {
	if p.BatchConcurrency <= 0 {
		return 4
	}
	return p.BatchConcurrency
}

func (p Policy) batchSize() int {
	if p.CleanupBatchSize <= 0 {
		return 500
	}
	return p.CleanupBatchSize
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	SessionsExpired      int `json:"sessions_expired"`
	SessionsTrimmed      int `json:"sessions_trimmed"`
	MessagesDeleted      int `json:"messages_deleted"`
	ConversationsDeleted int `json:"conversations_deleted"`
	PointsDeleted        int `json:"points_deleted"`
}

// Stats reports the current footprint of both stores.
type Stats struct {
	Log    conversationlog.Stats `json:"log"`
	Points int                   `json:"points"`
}

// Engine runs retention operations against the conversation log and the
// semantic index.
type Engine struct {
	log     *conversationlog.Store
	index   *semanticindex.Index
	logger  *zap.Logger
	metrics metrics.Sink
	now     func() time.Time

	mu     sync.RWMutex
	policy Policy

	// sessionLocks serializes cleanup per session so an expiry and a trim
	// never race on the same session's rows.
	locksMu      sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewEngine creates a retention engine with the given policy.
func NewEngine(log *conversationlog.Store, index *semanticindex.Index,
	logger *zap.Logger, sink metrics.Sink, policy Policy) *Engine {

	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Engine{
		log:          log,
		index:        index,
		logger:       logger,
		metrics:      sink,
		now:          time.Now,
		policy:       policy,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy swaps the active policy. Called on configuration reload.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.logger.Info("retention policy updated",
		zap.Duration("max_session_age", p.MaxSessionAge),
		zap.Int("max_messages_per_session", p.MaxMessagesPerSession))
}

func (e *Engine) lockSession(sessionID string) func() {
	e.locksMu.Lock()
	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	e.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ExpireOldSessions deletes every session whose last activity predates the
// cutoff. A zero cutoff derives one from MaxSessionAge; with both unset the
// pass is a no-op. A failure on one session does not stop the others; all
// failures are joined into the returned error alongside the partial result.
func (e *Engine) ExpireOldSessions(ctx context.Context, cutoff time.Time) (CleanupResult, error) {
	policy := e.Policy()
	if cutoff.IsZero() {
		if policy.MaxSessionAge <= 0 {
			return CleanupResult{}, nil
		}
		cutoff = e.now().Add(-policy.MaxSessionAge)
	}

	sessions, err := e.log.Sessions(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	var (
		mu     sync.Mutex
		result CleanupResult
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.concurrency())

	for _, session := range sessions {
		if !session.LastActivity.Before(cutoff) {
			continue
		}
		session := session
		g.Go(func() error {
			deleted, err := e.deleteSession(gctx, session.SessionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", session.SessionID, err))
				return nil
			}
			result.SessionsExpired++
			result.MessagesDeleted += deleted.Messages
			result.ConversationsDeleted += deleted.Conversations
			result.PointsDeleted += len(deleted.PointIDs)
			return nil
		})
	}
	g.Wait()

	e.metrics.RecordCleanup("expire", "sessions", result.SessionsExpired)
	e.metrics.RecordCleanup("expire", "messages", result.MessagesDeleted)
	e.metrics.RecordCleanup("expire", "points", result.PointsDeleted)
	e.logger.Info("expired idle sessions",
		zap.Int("sessions", result.SessionsExpired),
		zap.Int("messages", result.MessagesDeleted),
		zap.Int("failures", len(errs)))
	return result, errors.Join(errs...)
}

// deleteSession removes one session from both stores, relational side first so
// a partial failure can only leave unreferenced points, never dangling rows.
// Points stranded by an index failure go to the orphan ledger so the next
// pruning pass retries their removal.
func (e *Engine) deleteSession(ctx context.Context, sessionID string) (conversationlog.DeleteResult, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	deleted, err := e.log.DeleteHistory(ctx, sessionID)
	if err != nil {
		return conversationlog.DeleteResult{}, err
	}
	if err := e.index.DeleteBySession(ctx, sessionID); err != nil {
		e.recordOrphans(ctx, sessionID, deleted.PointIDs)
		return deleted, fmt.Errorf("removing index points: %w", err)
	}
	return deleted, nil
}

func (e *Engine) recordOrphans(ctx context.Context, sessionID string, pointIDs []string) {
	if err := e.log.RecordOrphanedPoints(ctx, sessionID, pointIDs); err != nil {
		e.logger.Error("recording orphaned points failed",
			zap.String("session_id", sessionID),
			zap.Int("points", len(pointIDs)),
			zap.Error(err))
	}
}

// TrimOversizedSessions removes the excess of every session above the
// message or conversation ceiling, along with the index points of whatever
// it deleted. The oldest items go first; the most recent always survive.
func (e *Engine) TrimOversizedSessions(ctx context.Context) (CleanupResult, error) {
	policy := e.Policy()
	if policy.MaxMessagesPerSession <= 0 && policy.MaxConversationsPerSession <= 0 {
		return CleanupResult{}, nil
	}

	sessions, err := e.log.Sessions(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	var (
		mu     sync.Mutex
		result CleanupResult
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.concurrency())

	for _, session := range sessions {
		overMessages := policy.MaxMessagesPerSession > 0 &&
			session.MessageCount > policy.MaxMessagesPerSession
		overConversations := policy.MaxConversationsPerSession > 0 &&
			session.ConversationCount > policy.MaxConversationsPerSession
		if !overMessages && !overConversations {
			continue
		}
		session := session
		g.Go(func() error {
			trimmed, err := e.trimSession(gctx, session.SessionID, policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", session.SessionID, err))
				return nil
			}
			result.SessionsTrimmed++
			result.MessagesDeleted += trimmed.Messages
			result.ConversationsDeleted += trimmed.Conversations
			result.PointsDeleted += len(trimmed.PointIDs)
			return nil
		})
	}
	g.Wait()

	e.metrics.RecordCleanup("trim", "sessions", result.SessionsTrimmed)
	e.metrics.RecordCleanup("trim", "messages", result.MessagesDeleted)
	e.metrics.RecordCleanup("trim", "conversations", result.ConversationsDeleted)
	e.metrics.RecordCleanup("trim", "points", result.PointsDeleted)
	e.logger.Info("trimmed oversized sessions",
		zap.Int("sessions", result.SessionsTrimmed),
		zap.Int("messages", result.MessagesDeleted),
		zap.Int("conversations", result.ConversationsDeleted),
		zap.Int("failures", len(errs)))
	return result, errors.Join(errs...)
}

// trimSession enforces both ceilings on one session: the conversation cap
// first (dropping whole threads), then the message cap on what remains.
func (e *Engine) trimSession(ctx context.Context, sessionID string, policy Policy) (conversationlog.DeleteResult, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	var total conversationlog.DeleteResult
	if policy.MaxConversationsPerSession > 0 {
		trimmed, err := e.log.TrimConversations(ctx, sessionID, policy.MaxConversationsPerSession)
		if err != nil {
			return total, err
		}
		total.Messages += trimmed.Messages
		total.Conversations += trimmed.Conversations
		total.PointIDs = append(total.PointIDs, trimmed.PointIDs...)
	}
	if policy.MaxMessagesPerSession > 0 {
		trimmed, err := e.log.TrimSession(ctx, sessionID, policy.MaxMessagesPerSession, policy.batchSize())
		if err != nil {
			return total, err
		}
		total.Messages += trimmed.Messages
		total.PointIDs = append(total.PointIDs, trimmed.PointIDs...)
	}

	if len(total.PointIDs) > 0 {
		if err := e.index.DeletePoints(ctx, total.PointIDs); err != nil {
			e.recordOrphans(ctx, sessionID, total.PointIDs)
			return total, fmt.Errorf("removing index points: %w", err)
		}
	}
	return total, nil
}

// PruneOrphans removes conversations left without messages by earlier trims
// or partial deletes, then retries the index removal of every point in the
// orphan ledger.
func (e *Engine) PruneOrphans(ctx context.Context) (CleanupResult, error) {
	deleted, err := e.log.DeleteEmptyConversations(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	result := CleanupResult{ConversationsDeleted: deleted}

	batchSize := e.Policy().batchSize()
	for {
		ids, err := e.log.OrphanedPoints(ctx, batchSize)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			break
		}
		if err := e.index.DeletePoints(ctx, ids); err != nil {
			return result, fmt.Errorf("removing orphaned points: %w", err)
		}
		if err := e.log.ClearOrphanedPoints(ctx, ids); err != nil {
			return result, err
		}
		result.PointsDeleted += len(ids)
		if len(ids) < batchSize {
			break
		}
	}

	e.metrics.RecordCleanup("prune", "conversations", result.ConversationsDeleted)
	e.metrics.RecordCleanup("prune", "points", result.PointsDeleted)
	if result.ConversationsDeleted > 0 || result.PointsDeleted > 0 {
		e.logger.Info("pruned orphans",
			zap.Int("conversations", result.ConversationsDeleted),
			zap.Int("points", result.PointsDeleted))
	}
	return result, nil
}

// RunAll executes one full retention pass: expire, trim, prune.
func (e *Engine) RunAll(ctx context.Context) (CleanupResult, error) {
	var total CleanupResult
	var errs []error

	for _, step := range []func(context.Context) (CleanupResult, error){
		func(ctx context.Context) (CleanupResult, error) {
			return e.ExpireOldSessions(ctx, time.Time{})
		},
		e.TrimOversizedSessions,
		e.PruneOrphans,
	} {
		result, err := step(ctx)
		total.SessionsExpired += result.SessionsExpired
		total.SessionsTrimmed += result.SessionsTrimmed
		total.MessagesDeleted += result.MessagesDeleted
		total.ConversationsDeleted += result.ConversationsDeleted
		total.PointsDeleted += result.PointsDeleted
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Statistics reports the current size of both stores.
func (e *Engine) Statistics(ctx context.Context) (Stats, error) {
	logStats, err := e.log.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	points, err := e.index.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Log: logStats, Points: points}, nil
}
