package game_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taivippro123/kahoot/internal/game"
)

func TestSweep_EvictsInactivePlayersAndEmptySession(t *testing.T) {
	f := makeEngineWith(t, game.Config{InactivityThreshold: time.Nanosecond}, oneQuestion())
	ctx := context.Background()

	require.NoError(t, f.engine.JoinPlayer(ctx, "c1", session, "p1", "alice"))
	require.NoError(t, f.engine.JoinPlayer(ctx, "c2", session, "p2", "bob"))

	time.Sleep(5 * time.Millisecond)
	f.engine.Sweep(ctx)

	require.Equal(t, 2, f.rec.count(game.EventPlayerLeft))

	_, ok := f.engine.SessionSnapshot(session)
	require.False(t, ok, "session with no players and no host is evicted")
	require.Zero(t, f.engine.SessionCount())
}

func TestSweep_KeepsActivePlayers(t *testing.T) {
	f := makeEngineWith(t, game.Config{InactivityThreshold: time.Hour}, oneQuestion())
	ctx := context.Background()
	startTwoPlayerGame(t, f)

	f.engine.Sweep(ctx)

	require.Zero(t, f.rec.count(game.EventPlayerLeft))

	snap, ok := f.engine.SessionSnapshot(session)
	require.True(t, ok)
	require.Equal(t, 2, snap.PlayerCount)
}

// Sweeping the last unanswered player closes the round for everyone who did
// answer.
func TestSweep_TriggersAutoClose(t *testing.T) {
	f := makeEngineWith(t, game.Config{InactivityThreshold: 30 * time.Millisecond}, oneQuestion())
	ctx := context.Background()
	startTwoPlayerGame(t, f)

	time.Sleep(60 * time.Millisecond)

	// p1 stays active by answering; p2 goes quiet.
	require.NoError(t, f.engine.RecordAnswer(ctx, "c1", session, "p1", "q1", "ch1", 2000))
	require.Zero(t, f.rec.count(game.EventQuestionClosed))

	f.engine.Sweep(ctx)

	require.Equal(t, 1, f.rec.count(game.EventPlayerLeft))
	require.Equal(t, 1, f.rec.count(game.EventQuestionClosed))
	require.Len(t, f.store.insertedAnswers(), 1, "the close flushed the buffered answer")

	snap, ok := f.engine.SessionSnapshot(session)
	require.True(t, ok, "host keeps the session alive")
	require.Equal(t, 1, snap.PlayerCount)
	require.True(t, snap.QuestionClosed)
}
