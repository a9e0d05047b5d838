package answercache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taivippro123/kahoot/internal/answercache"
	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/errors"
	"github.com/taivippro123/kahoot/internal/event"
)

func TestScore(t *testing.T) {
	tests := map[string]struct {
		points     int
		timeLimitS int
		elapsedMs  int64
		correct    bool
		want       int
	}{
		"incorrect answers earn nothing":     {points: 1000, timeLimitS: 20, elapsedMs: 1000, correct: false, want: 0},
		"fast correct answer":                {points: 1000, timeLimitS: 20, elapsedMs: 2000, correct: true, want: 950},
		"instant answer earns full points":   {points: 1000, timeLimitS: 20, elapsedMs: 0, correct: true, want: 1000},
		"answer at the limit earns half":     {points: 1000, timeLimitS: 20, elapsedMs: 20000, correct: true, want: 500},
		"late answer still earns half":       {points: 1000, timeLimitS: 20, elapsedMs: 30000, correct: true, want: 500},
		"missing limit defaults to 20s":      {points: 1000, timeLimitS: 0, elapsedMs: 10000, correct: true, want: 750},
		"missing points default to 1000":     {points: 0, timeLimitS: 20, elapsedMs: 0, correct: true, want: 1000},
		"small point value rounds correctly": {points: 100, timeLimitS: 10, elapsedMs: 2500, correct: true, want: 88},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := answercache.Score(tt.points, tt.timeLimitS, tt.elapsedMs, tt.correct)
			require.Equal(t, tt.want, got)

			// Deterministic: same inputs, same score.
			require.Equal(t, got, answercache.Score(tt.points, tt.timeLimitS, tt.elapsedMs, tt.correct))
		})
	}
}

func TestFlush_ScoresAndPersistsInOneBatch(t *testing.T) {
	fs := newFlushStore()
	c := answercache.New(answercache.Config{Store: fs})

	c.Append(pending("s1", "p1", "q1", "correct", 2000))
	c.Append(pending("s1", "p2", "q1", "wrong", 5000))

	require.NoError(t, c.Flush(context.Background(), "s1"))

	require.Equal(t, 1, fs.batches(), "all entries persist in a single bulk write")
	inserted := fs.answers()
	require.Len(t, inserted, 2)
	require.Equal(t, 950, inserted[0].Score)
	require.True(t, inserted[0].IsCorrect)
	require.Zero(t, inserted[1].Score)
	require.Zero(t, c.Pending("s1"))
}

func TestFlush_KeepsEntriesOnFailure(t *testing.T) {
	fs := newFlushStore()
	fs.failWith(fmt.Errorf("connection refused"))
	c := answercache.New(answercache.Config{Store: fs})

	c.Append(pending("s1", "p1", "q1", "correct", 2000))

	require.Error(t, c.Flush(context.Background(), "s1"))
	require.Equal(t, 1, c.Pending("s1"), "failed flush keeps entries queued")

	// The store recovers; the retry persists everything.
	fs.failWith(nil)
	require.NoError(t, c.Flush(context.Background(), "s1"))
	require.Len(t, fs.answers(), 1)
	require.Zero(t, c.Pending("s1"))
}

func TestFlush_EmptySessionIsNoop(t *testing.T) {
	fs := newFlushStore()
	c := answercache.New(answercache.Config{Store: fs})

	require.NoError(t, c.Flush(context.Background(), "s1"))
	require.Zero(t, fs.batches())
}

func TestFlush_PublishesEvent(t *testing.T) {
	fs := newFlushStore()
	eb := event.NewBus()

	var mu sync.Mutex
	var received []domain.EventAnswersFlushed
	eb.Subscribe(domain.EventNameAnswersFlushed, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received = append(received, e.(domain.EventAnswersFlushed))
		mu.Unlock()
		return nil
	})

	c := answercache.New(answercache.Config{Store: fs, EventBus: eb})
	c.Append(pending("s1", "p1", "q1", "correct", 2000))
	require.NoError(t, c.Flush(context.Background(), "s1"))

	eb.Stop()

	require.Len(t, received, 1)
	require.Equal(t, "s1", received[0].SessionID)
	require.Equal(t, 1, received[0].Count)
}

// Scenario: shutdown with several sessions holding unflushed answers drains
// every one of them.
func TestFlushAll_DrainsEverySession(t *testing.T) {
	fs := newFlushStore()
	c := answercache.New(answercache.Config{Store: fs})

	for i := 1; i <= 3; i++ {
		sid := fmt.Sprintf("s%d", i)
		c.Append(pending(sid, "p1", "q1", "correct", 1000))
		c.Append(pending(sid, "p2", "q1", "wrong", 1500))
	}

	require.NoError(t, c.FlushAll(context.Background()))

	require.Len(t, fs.answers(), 6)
	require.Equal(t, 3, fs.batches())
	for i := 1; i <= 3; i++ {
		require.Zero(t, c.Pending(fmt.Sprintf("s%d", i)))
	}
}

func TestRun_AutoSaveFlushes(t *testing.T) {
	fs := newFlushStore()
	c := answercache.New(answercache.Config{Store: fs, AutoSaveInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Append(pending("s1", "p1", "q1", "correct", 1000))

	require.Eventually(t, func() bool {
		return len(fs.answers()) == 1
	}, time.Second, 5*time.Millisecond, "the auto-save loop drains the cache without an explicit flush")
	require.Zero(t, c.Pending("s1"))
}

func pending(sessionID, playerID, questionID, choiceID string, elapsedMs int64) domain.PendingAnswer {
	return domain.PendingAnswer{
		SessionID:  sessionID,
		PlayerID:   playerID,
		QuestionID: questionID,
		ChoiceID:   choiceID,
		ElapsedMs:  elapsedMs,
		ReceivedAt: time.Now(),
	}
}

type flushStore struct {
	mu       sync.Mutex
	inserted []domain.ScoredAnswer
	calls    int
	err      error
}

func newFlushStore() *flushStore {
	return &flushStore{}
}

func (f *flushStore) QuestionByID(_ context.Context, id string) (*domain.Question, error) {
	if id != "q1" {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no question %s", id))
	}
	return &domain.Question{
		QuestionID: "q1",
		TimeLimitS: 20,
		Points:     1000,
		Choices: []domain.Choice{
			{ChoiceID: "correct", IsCorrect: true},
			{ChoiceID: "wrong"},
		},
	}, nil
}

func (f *flushStore) InsertAnswers(_ context.Context, answers []domain.ScoredAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.calls++
	f.inserted = append(f.inserted, answers...)
	return nil
}

func (f *flushStore) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *flushStore) answers() []domain.ScoredAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]domain.ScoredAnswer(nil), f.inserted...)
}

func (f *flushStore) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}
