package answercache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/event"
)

const (
	defaultAutoSaveInterval = 30 * time.Second
)

// Store is the slice of the durable store the cache needs at flush time.
type Store interface {
	QuestionByID(ctx context.Context, questionID string) (*domain.Question, error)
	InsertAnswers(ctx context.Context, answers []domain.ScoredAnswer) error
}

type Config struct {
	Store            Store
	EventBus         *event.Bus
	AutoSaveInterval time.Duration
}

// Cache buffers submitted answers per session so the answer path never waits
// on the durable store. Entries are scored and persisted in bulk at flush
// time; a failed flush keeps them queued for the next trigger.
type Cache struct {
	store            Store
	eb               *event.Bus
	autoSaveInterval time.Duration

	mu      sync.Mutex
	pending map[string][]domain.PendingAnswer // sessionID -> buffered answers
}

func New(c Config) *Cache {
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = defaultAutoSaveInterval
	}

	return &Cache{
		store:            c.Store,
		eb:               c.EventBus,
		autoSaveInterval: c.AutoSaveInterval,
		pending:          make(map[string][]domain.PendingAnswer),
	}
}

// Append buffers one answer and returns the number of answers now pending
// for the session.
func (c *Cache) Append(a domain.PendingAnswer) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[a.SessionID] = append(c.pending[a.SessionID], a)
	return len(c.pending[a.SessionID])
}

// Pending returns the number of buffered answers for a session.
func (c *Cache) Pending(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending[sessionID])
}

// Flush scores and persists all answers buffered for the session in one bulk
// write. On failure the entries stay queued, so persistence is at-least-once;
// the store's write path deduplicates by (session, player, question).
func (c *Cache) Flush(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	entries := c.pending[sessionID]
	delete(c.pending, sessionID)
	c.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	err := c.write(ctx, entries)
	if err != nil {
		// Requeue in front of anything that arrived meanwhile.
		c.mu.Lock()
		c.pending[sessionID] = append(entries, c.pending[sessionID]...)
		c.mu.Unlock()
		return fmt.Errorf("answercache: flush session %s: %w", sessionID, err)
	}

	if c.eb != nil {
		c.eb.Publish(ctx, domain.EventAnswersFlushed{
			SessionID: sessionID,
			Count:     len(entries),
		})
	}

	return nil
}

func (c *Cache) write(ctx context.Context, entries []domain.PendingAnswer) error {
	questions := make(map[string]*domain.Question)

	scored := make([]domain.ScoredAnswer, 0, len(entries))
	for _, e := range entries {
		q, ok := questions[e.QuestionID]
		if !ok {
			var err error
			q, err = c.store.QuestionByID(ctx, e.QuestionID)
			if err != nil {
				return fmt.Errorf("fetch question %s: %w", e.QuestionID, err)
			}
			questions[e.QuestionID] = q
		}

		correct := false
		for _, ch := range q.Choices {
			if ch.ChoiceID == e.ChoiceID {
				correct = ch.IsCorrect
				break
			}
		}

		scored = append(scored, domain.ScoredAnswer{
			PendingAnswer: e,
			IsCorrect:     correct,
			Score:         Score(q.Points, q.TimeLimitS, e.ElapsedMs, correct),
		})
	}

	return c.store.InsertAnswers(ctx, scored)
}

// FlushAll flushes every session with buffered answers. Used by the periodic
// auto-save loop and by the shutdown coordinator.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.Flush(ctx, id); err != nil {
			slog.ErrorContext(ctx, "answercache: flush failed", "session", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Run flushes all sessions on a fixed interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(c.autoSaveInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.FlushAll(ctx)
		}
	}
}

const (
	defaultTimeLimitS = 20
	defaultPoints     = 1000
)

// Score computes the points earned for an answer. A correct answer earns at
// least half the question's points, scaled up linearly the faster it arrived
// within the time limit. An incorrect answer earns nothing.
func Score(points, timeLimitS int, elapsedMs int64, correct bool) int {
	if !correct {
		return 0
	}

	if timeLimitS <= 0 {
		timeLimitS = defaultTimeLimitS
	}
	if points <= 0 {
		points = defaultPoints
	}

	maxTimeMs := float64(timeLimitS) * 1000
	timeBonus := math.Max(0, (maxTimeMs-float64(elapsedMs))/maxTimeMs)
	return int(math.Round(float64(points) * (0.5 + 0.5*timeBonus)))
}
