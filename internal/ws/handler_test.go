package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/taivippro123/kahoot/internal/answercache"
	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/errors"
	"github.com/taivippro123/kahoot/internal/game"
	"github.com/taivippro123/kahoot/internal/ratelimit"
	"github.com/taivippro123/kahoot/internal/store"
	"github.com/taivippro123/kahoot/internal/ws"
)

func TestServe_GameRoundTrip(t *testing.T) {
	fs := &fakeStore{}
	srv := makeServer(t, fs, ratelimit.New(0, nil))

	host := dial(t, srv)
	host.emit(ws.EventJoinSession, map[string]any{"sessionId": "s1", "isHost": true})
	host.waitFor(game.EventHostJoined)
	host.waitFor(game.EventSessionPlayers)

	player := dial(t, srv)
	player.emit(ws.EventJoinSession, map[string]any{"sessionId": "s1", "playerId": "p1", "nickname": "alice"})
	player.waitFor(game.EventSessionPlayers)
	host.waitFor(game.EventPlayerJoined)

	// Only the host may start the game.
	player.emit(ws.EventStartGame, map[string]any{"sessionId": "s1"})
	player.waitFor(game.EventAppError)

	host.emit(ws.EventStartGame, map[string]any{"sessionId": "s1"})
	host.waitFor(game.EventGameStarted)

	var q game.QuestionPayload
	require.NoError(t, json.Unmarshal(player.waitFor(game.EventQuestionDisplayed), &q))
	require.Equal(t, "q1", q.Question.QuestionID)
	require.Equal(t, 1, q.TotalQuestions)

	player.emit(ws.EventSubmitAnswer, map[string]any{
		"sessionId":  "s1",
		"questionId": "q1",
		"choiceId":   "correct",
		"elapsedMs":  2000,
	})
	host.waitFor(game.EventPlayerAnswered)

	// Every live player answered, so the question closes on its own and the
	// buffered answers hit the store.
	host.waitFor(game.EventQuestionClosed)
	player.waitFor(game.EventQuestionClosed)

	require.Eventually(t, func() bool {
		return len(fs.answers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 950, fs.answers()[0].Score)

	// No question left: advancing ends the game for the whole room.
	host.emit(ws.EventNextQuestion, map[string]any{"sessionId": "s1"})
	host.waitFor(game.EventGameEnded)
	player.waitFor(game.EventGameEnded)

	require.Equal(t, []domain.SessionStatus{domain.StatusInProgress, domain.StatusEnded}, fs.statuses())
}

func TestServe_MalformedMessagesGetAppError(t *testing.T) {
	srv := makeServer(t, &fakeStore{}, ratelimit.New(0, nil))

	c := dial(t, srv)
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.waitFor(game.EventAppError)

	c.emit("no_such_event", map[string]any{})
	c.waitFor(game.EventAppError)
}

func TestServe_JoinWithoutNickname(t *testing.T) {
	srv := makeServer(t, &fakeStore{}, ratelimit.New(0, nil))

	c := dial(t, srv)
	c.emit(ws.EventJoinSession, map[string]any{"sessionId": "s1", "playerId": "p1"})

	var e struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(c.waitFor(game.EventAppError), &e))
	require.NotEmpty(t, e.Message)
}

func TestServe_RateLimitedEventsAreDropped(t *testing.T) {
	limiter := ratelimit.New(time.Hour, map[string]time.Duration{
		ws.EventJoinSession:    0,
		ws.EventStartGame:      0,
		ws.EventRequestCurrent: 0,
	})
	srv := makeServer(t, &fakeStore{}, limiter)

	host := dial(t, srv)
	host.emit(ws.EventJoinSession, map[string]any{"sessionId": "s1", "isHost": true})
	host.emit(ws.EventStartGame, map[string]any{"sessionId": "s1"})
	host.waitFor(game.EventQuestionDisplayed)

	// The second request_progress lands inside the interval and is silently
	// dropped; the request_current afterwards proves the connection survived.
	host.emit(ws.EventRequestProgress, map[string]any{"sessionId": "s1"})
	host.emit(ws.EventRequestProgress, map[string]any{"sessionId": "s1"})
	host.emit(ws.EventRequestCurrent, map[string]any{"sessionId": "s1"})

	host.waitFor(game.EventQuestionProgress)
	host.waitFor(game.EventQuestionDisplayed)

	require.Equal(t, 1, host.count(game.EventQuestionProgress))
}

func makeServer(t *testing.T, fs *fakeStore, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()

	gin.SetMode(gin.TestMode)

	hub := ws.NewHub()
	cache := answercache.New(answercache.Config{Store: fs})
	engine := game.New(game.Config{
		Store:       fs,
		Cache:       cache,
		Broadcaster: hub,
	})

	r := gin.New()
	r.GET("/ws", ws.NewHandler(hub, engine, limiter).Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return srv
}

// client wraps one websocket connection and remembers every event it read.
type client struct {
	t    *testing.T
	ws   *websocket.Conn
	seen []string
}

func dial(t *testing.T, srv *httptest.Server) *client {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &client{t: t, ws: conn}
}

func (c *client) emit(event string, data any) {
	c.t.Helper()

	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

// waitFor reads until the wanted event arrives, recording everything on the
// way, and returns its payload.
func (c *client) waitFor(event string) json.RawMessage {
	c.t.Helper()

	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s, seen %v", event, c.seen)

		var n struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(c.t, json.Unmarshal(raw, &n))

		c.seen = append(c.seen, n.Event)
		if n.Event == event {
			return n.Data
		}
	}
}

func (c *client) count(event string) int {
	n := 0
	for _, e := range c.seen {
		if e == event {
			n++
		}
	}
	return n
}

// fakeStore backs a single session "s1" whose quiz has one question.
type fakeStore struct {
	mu       sync.Mutex
	inserted []domain.ScoredAnswer
	updates  []domain.SessionStatus
}

func (f *fakeStore) Session(_ context.Context, sessionID string) (*store.SessionInfo, error) {
	if sessionID != "s1" {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session %s not found", sessionID))
	}
	return &store.SessionInfo{SessionID: "s1", QuizID: "quiz-1", Status: domain.StatusWaiting}, nil
}

func (f *fakeStore) QuestionByOrder(_ context.Context, quizID string, order int) (*domain.Question, error) {
	if quizID != "quiz-1" || order != 1 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no question %d", order))
	}
	return question(), nil
}

func (f *fakeStore) QuestionByID(_ context.Context, id string) (*domain.Question, error) {
	if id != "q1" {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no question %s", id))
	}
	return question(), nil
}

func (f *fakeStore) CountQuestions(_ context.Context, quizID string) (int, error) {
	return 1, nil
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, status)
	return nil
}

func (f *fakeStore) InsertAnswers(_ context.Context, answers []domain.ScoredAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserted = append(f.inserted, answers...)
	return nil
}

func (f *fakeStore) answers() []domain.ScoredAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]domain.ScoredAnswer(nil), f.inserted...)
}

func (f *fakeStore) statuses() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]domain.SessionStatus(nil), f.updates...)
}

func question() *domain.Question {
	return &domain.Question{
		QuestionID: "q1",
		Content:    "What is the capital of Vietnam?",
		TimeLimitS: 20,
		Points:     1000,
		OrderIndex: 1,
		Choices: []domain.Choice{
			{ChoiceID: "correct", Content: "Hanoi", IsCorrect: true},
			{ChoiceID: "wrong", Content: "Da Nang"},
		},
	}
}
