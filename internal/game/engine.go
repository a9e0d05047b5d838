package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/errors"
	"github.com/taivippro123/kahoot/internal/event"
	"github.com/taivippro123/kahoot/internal/store"
)

const (
	defaultSweepInterval       = 5 * time.Minute
	defaultInactivityThreshold = 10 * time.Minute
	defaultForceFlushAt        = 100
)

// Store is the slice of the durable store the engine reads from and writes to.
type Store interface {
	Session(ctx context.Context, sessionID string) (*store.SessionInfo, error)
	QuestionByOrder(ctx context.Context, quizID string, order int) (*domain.Question, error)
	CountQuestions(ctx context.Context, quizID string) (int, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// Cache is the write-back answer cache. Flush failures are logged, never
// surfaced to clients; entries stay queued for the next trigger.
type Cache interface {
	Append(a domain.PendingAnswer) int
	Flush(ctx context.Context, sessionID string) error
}

// Broadcaster fans out notifications. Sends are fire-and-forget: a send to a
// connection that just went away must not fail the triggering handler.
// Host-only delivery is ToConn with the registered host connection.
type Broadcaster interface {
	ToSession(sessionID, event string, data any)
	ToSessionExcept(sessionID, exceptConnID, event string, data any)
	ToConn(connID, event string, data any)
}

type Config struct {
	Store       Store
	Cache       Cache
	Broadcaster Broadcaster
	EventBus    *event.Bus

	// StartDelay is the pause between the game_started signal and the first
	// question broadcast, covering the clients' navigation transition.
	// Zero broadcasts the first question synchronously.
	StartDelay time.Duration

	InactivityThreshold time.Duration
	SweepInterval       time.Duration

	// ForceFlushAt flushes a session's answer cache in the background once
	// this many answers are buffered.
	ForceFlushAt int
}

// Engine owns the session registry and the per-session question lifecycle.
// The sessions map is the only shared mutable structure; it is guarded by one
// coarse mutex whose critical sections never span a durable-store call, and
// every decision taken before a store call is re-validated after it.
type Engine struct {
	store Store
	cache Cache
	b     Broadcaster
	eb    *event.Bus

	startDelay          time.Duration
	inactivityThreshold time.Duration
	sweepInterval       time.Duration
	forceFlushAt        int

	mu       sync.Mutex
	sessions map[string]*domain.Session

	now func() time.Time
}

func New(c Config) *Engine {
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = defaultInactivityThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ForceFlushAt <= 0 {
		c.ForceFlushAt = defaultForceFlushAt
	}

	return &Engine{
		store:               c.Store,
		cache:               c.Cache,
		b:                   c.Broadcaster,
		eb:                  c.EventBus,
		startDelay:          c.StartDelay,
		inactivityThreshold: c.InactivityThreshold,
		sweepInterval:       c.SweepInterval,
		forceFlushAt:        c.ForceFlushAt,
		sessions:            make(map[string]*domain.Session),
		now:                 time.Now,
	}
}

// JoinHost registers the connection as the session's host, creating the
// session if needed and replacing any prior host connection.
func (e *Engine) JoinHost(ctx context.Context, connID, sessionID string) error {
	if sessionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing sessionId"))
	}

	e.mu.Lock()
	s := e.getOrCreateLocked(sessionID)
	s.HostConn = connID
	roster := rosterLocked(s)
	e.mu.Unlock()

	e.b.ToSession(sessionID, EventHostJoined, struct{}{})
	e.b.ToConn(connID, EventSessionPlayers, roster)

	e.sendCurrent(ctx, connID, sessionID)
	return nil
}

// JoinPlayer registers (or re-registers, on reconnect) a player. Joining
// mid-game is allowed so reconnecting players can resume; if a question is
// active and unclosed it is delivered to the joining connection only.
func (e *Engine) JoinPlayer(ctx context.Context, connID, sessionID, playerID, nickname string) error {
	if sessionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing sessionId"))
	}
	if playerID == "" || nickname == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing playerId or nickname"))
	}

	now := e.now()

	e.mu.Lock()
	s := e.getOrCreateLocked(sessionID)
	s.Players[playerID] = &domain.Player{
		PlayerID:       playerID,
		ConnID:         connID,
		Nickname:       nickname,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	roster := rosterLocked(s)
	hostConn := s.HostConn
	e.mu.Unlock()

	e.b.ToSessionExcept(sessionID, connID, EventPlayerJoined, PlayerInfo{
		PlayerID: playerID,
		Nickname: nickname,
		JoinedAt: now,
	})
	e.b.ToSession(sessionID, EventSessionPlayers, roster)
	if hostConn != "" {
		// Redundant direct send covers the race where the host connection
		// is not yet part of the room broadcast.
		e.b.ToConn(hostConn, EventSessionPlayers, roster)
	}
	e.b.ToConn(connID, EventSessionPlayers, roster)

	e.sendCurrent(ctx, connID, sessionID)
	return nil
}

// StartGame moves the session to in_progress and broadcasts the first
// question after the configured delay. Host only.
func (e *Engine) StartGame(ctx context.Context, connID, sessionID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.HostConn != connID {
		e.mu.Unlock()
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can start the game"))
	}
	// A restart mid-game would wind currentOrder back; the order index never
	// decreases for the lifetime of a session.
	if s.Status != domain.StatusWaiting {
		e.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("game already started"))
	}

	s.Status = domain.StatusInProgress
	s.CurrentOrder = 1
	s.QuestionClosed = false
	s.AnsweredPlayerIDs = make(map[string]struct{})
	e.mu.Unlock()

	if err := e.store.UpdateSessionStatus(ctx, sessionID, domain.StatusInProgress); err != nil {
		slog.ErrorContext(ctx, "game: mark session in_progress failed", "session", sessionID, "error", err)
	}

	e.b.ToSession(sessionID, EventGameStarted, SessionRef{SessionID: sessionID})

	if e.startDelay <= 0 {
		e.broadcastQuestion(ctx, sessionID, 1)
		return nil
	}

	bctx := context.WithoutCancel(ctx)
	time.AfterFunc(e.startDelay, func() {
		e.broadcastQuestion(bctx, sessionID, 1)
	})

	return nil
}

// AdvanceQuestion flushes the just-finished question's answers, moves to the
// next order index and broadcasts it, or ends the game when no further
// question exists. Host only.
func (e *Engine) AdvanceQuestion(ctx context.Context, connID, sessionID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.HostConn != connID {
		e.mu.Unlock()
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can advance the question"))
	}
	e.mu.Unlock()

	if err := e.cache.Flush(ctx, sessionID); err != nil {
		slog.ErrorContext(ctx, "game: flush before advance failed", "session", sessionID, "error", err)
	}

	e.mu.Lock()
	s = e.sessions[sessionID]
	if s == nil {
		e.mu.Unlock()
		return nil
	}
	if s.CurrentOrder == 0 {
		s.CurrentOrder = 1
	} else {
		s.CurrentOrder++
	}
	s.QuestionClosed = false
	s.AnsweredPlayerIDs = make(map[string]struct{})
	order := s.CurrentOrder
	e.mu.Unlock()

	if _, err := e.broadcastQuestion(ctx, sessionID, order); err != nil {
		if !errors.Is(err, errors.CodeNotFound) {
			// Transient store failure: skip the broadcast, clients recover
			// via request_current.
			slog.ErrorContext(ctx, "game: broadcast question failed", "session", sessionID, "order", order, "error", err)
			return nil
		}

		// No more questions: end only now.
		e.endGame(ctx, sessionID)
	}

	return nil
}

func (e *Engine) endGame(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if s := e.sessions[sessionID]; s != nil {
		s.Status = domain.StatusEnded
	}
	e.mu.Unlock()

	e.b.ToSession(sessionID, EventGameEnded, SessionRef{SessionID: sessionID})

	if err := e.store.UpdateSessionStatus(ctx, sessionID, domain.StatusEnded); err != nil {
		slog.ErrorContext(ctx, "game: mark session ended failed", "session", sessionID, "error", err)
	}

	if e.eb != nil {
		e.eb.Publish(ctx, domain.EventGameEnded{SessionID: sessionID})
	}
}

// CloseQuestion closes the active question. Host only; idempotent.
func (e *Engine) CloseQuestion(ctx context.Context, connID, sessionID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.HostConn != connID {
		e.mu.Unlock()
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can close the question"))
	}
	e.mu.Unlock()

	e.closeQuestion(ctx, sessionID)
	return nil
}

// closeQuestion transitions questionClosed once, flushes the cache and
// broadcasts the closed signal plus updated progress. A second call for the
// same question is a no-op.
func (e *Engine) closeQuestion(ctx context.Context, sessionID string) {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.QuestionClosed {
		e.mu.Unlock()
		return
	}
	s.QuestionClosed = true
	order := s.CurrentOrder
	e.mu.Unlock()

	e.b.ToSession(sessionID, EventQuestionClosed, SessionRef{SessionID: sessionID})

	if err := e.cache.Flush(ctx, sessionID); err != nil {
		slog.ErrorContext(ctx, "game: flush on close failed", "session", sessionID, "error", err)
	}

	total, err := e.countQuestions(ctx, sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "game: question progress skipped", "session", sessionID, "error", err)
		return
	}

	e.b.ToSession(sessionID, EventQuestionProgress, ProgressPayload{
		CurrentOrder:   order,
		TotalQuestions: total,
		QuestionClosed: true,
	})
}

// RecordAnswer accepts a player's answer for the active question, buffers it
// for persistence, notifies the room and evaluates the auto-close condition.
func (e *Engine) RecordAnswer(ctx context.Context, connID, sessionID, playerID, questionID, choiceID string, elapsedMs int64) error {
	now := e.now()

	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil {
		e.mu.Unlock()
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}
	if s.Status != domain.StatusInProgress {
		e.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("game is not in progress"))
	}
	if s.QuestionClosed {
		e.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("question is already closed"))
	}
	p := s.Players[playerID]
	if p == nil {
		e.mu.Unlock()
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("player is not in the session"))
	}

	p.LastActivityAt = now
	if s.AnsweredPlayerIDs == nil {
		s.AnsweredPlayerIDs = make(map[string]struct{})
	}
	s.AnsweredPlayerIDs[playerID] = struct{}{}
	answered, players := len(s.AnsweredPlayerIDs), len(s.Players)
	e.mu.Unlock()

	buffered := e.cache.Append(domain.PendingAnswer{
		SessionID:  sessionID,
		PlayerID:   playerID,
		QuestionID: questionID,
		ChoiceID:   choiceID,
		ElapsedMs:  elapsedMs,
		ReceivedAt: now,
	})
	if buffered >= e.forceFlushAt {
		fctx := context.WithoutCancel(ctx)
		go func() {
			if err := e.cache.Flush(fctx, sessionID); err != nil {
				slog.ErrorContext(fctx, "game: force flush failed", "session", sessionID, "error", err)
			}
		}()
	}

	// Best effort, before persistence.
	e.b.ToSessionExcept(sessionID, connID, EventPlayerAnswered, AnswerNotice{
		PlayerID:   playerID,
		QuestionID: questionID,
		ChoiceID:   choiceID,
		ElapsedMs:  elapsedMs,
	})

	if players > 0 && answered >= players {
		e.closeQuestion(ctx, sessionID)
	}

	return nil
}

// KickPlayer removes a player at the host's request. Host only.
func (e *Engine) KickPlayer(ctx context.Context, connID, sessionID, playerID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.HostConn != connID {
		e.mu.Unlock()
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can kick players"))
	}

	p := s.Players[playerID]
	if p == nil {
		e.mu.Unlock()
		return nil
	}
	removed, roster, autoClose, evict := e.removePlayerLocked(s, playerID)
	e.mu.Unlock()

	e.b.ToConn(p.ConnID, EventPlayerKicked, KickNotice{Message: "You have been kicked from the game"})
	e.announceLeft(sessionID, removed, roster)
	e.afterRemoval(ctx, sessionID, autoClose, evict)
	return nil
}

// LeavePlayer handles an explicit leave_session event.
func (e *Engine) LeavePlayer(ctx context.Context, sessionID, playerID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.Players[playerID] == nil {
		e.mu.Unlock()
		return nil
	}
	removed, roster, autoClose, evict := e.removePlayerLocked(s, playerID)
	e.mu.Unlock()

	e.announceLeft(sessionID, removed, roster)
	e.afterRemoval(ctx, sessionID, autoClose, evict)
	return nil
}

// Disconnect handles a dropped connection. A host disconnect only clears the
// host slot so the host can reconnect; a player disconnect removes the
// player.
func (e *Engine) Disconnect(ctx context.Context, connID string) {
	e.mu.Lock()
	var (
		sessionID string
		removed   *domain.Player
		roster    []PlayerInfo
		autoClose bool
		evict     bool
	)

	for id, s := range e.sessions {
		if s.HostConn == connID {
			s.HostConn = ""
			sessionID = id
			if len(s.Players) == 0 {
				evict = true
				delete(e.sessions, id)
			}
			break
		}

		for pid, p := range s.Players {
			if p.ConnID != connID {
				continue
			}
			sessionID = id
			removed, roster, autoClose, evict = e.removePlayerLocked(s, pid)
			break
		}
		if sessionID != "" {
			break
		}
	}
	e.mu.Unlock()

	if sessionID == "" {
		return
	}

	if removed != nil {
		e.announceLeft(sessionID, removed, roster)
	}
	e.afterRemoval(ctx, sessionID, autoClose, evict)
}

// removePlayerLocked deletes the player, keeps answeredPlayerIDs a subset of
// players, and reports whether the removal triggers auto-close or leaves the
// session empty. Empty sessions (no players, no host) are evicted here.
func (e *Engine) removePlayerLocked(s *domain.Session, playerID string) (removed *domain.Player, roster []PlayerInfo, autoClose, evict bool) {
	removed = s.Players[playerID]
	delete(s.Players, playerID)
	delete(s.AnsweredPlayerIDs, playerID)

	roster = rosterLocked(s)

	autoClose = s.Status == domain.StatusInProgress && !s.QuestionClosed &&
		len(s.Players) > 0 && len(s.AnsweredPlayerIDs) >= len(s.Players)

	if len(s.Players) == 0 && s.HostConn == "" {
		evict = true
		delete(e.sessions, s.SessionID)
	}

	return removed, roster, autoClose, evict
}

func (e *Engine) announceLeft(sessionID string, p *domain.Player, roster []PlayerInfo) {
	e.b.ToSession(sessionID, EventPlayerLeft, LeftNotice{PlayerID: p.PlayerID, Nickname: p.Nickname})
	e.b.ToSession(sessionID, EventSessionPlayers, roster)
}

func (e *Engine) afterRemoval(ctx context.Context, sessionID string, autoClose, evicted bool) {
	if autoClose {
		e.closeQuestion(ctx, sessionID)
	}

	if evicted {
		if err := e.cache.Flush(ctx, sessionID); err != nil {
			slog.ErrorContext(ctx, "game: flush on eviction failed", "session", sessionID, "error", err)
		}
	}
}

// RequestCurrent re-sends the active unclosed question to one connection.
func (e *Engine) RequestCurrent(ctx context.Context, connID, sessionID string) {
	e.sendCurrent(ctx, connID, sessionID)
}

// RequestProgress sends the question progress (order, total, closed flag) to
// one connection.
func (e *Engine) RequestProgress(ctx context.Context, connID, sessionID string) {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	order, closed := s.CurrentOrder, s.QuestionClosed
	e.mu.Unlock()

	total, err := e.countQuestions(ctx, sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "game: request_progress skipped", "session", sessionID, "error", err)
		return
	}

	e.b.ToConn(connID, EventQuestionProgress, ProgressPayload{
		CurrentOrder:   order,
		TotalQuestions: total,
		QuestionClosed: closed,
	})
}

// Touch refreshes a player's activity timestamp.
func (e *Engine) Touch(sessionID, playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.sessions[sessionID]; s != nil {
		if p := s.Players[playerID]; p != nil {
			p.LastActivityAt = e.now()
		}
	}
}

// sendCurrent delivers the active unclosed question to a single connection,
// re-validating the question state after the store round trip.
func (e *Engine) sendCurrent(ctx context.Context, connID, sessionID string) {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s == nil || s.CurrentOrder == 0 || s.QuestionClosed {
		e.mu.Unlock()
		return
	}
	order := s.CurrentOrder
	e.mu.Unlock()

	q, total, err := e.fetchQuestion(ctx, sessionID, order)
	if err != nil {
		if !errors.Is(err, errors.CodeNotFound) {
			slog.ErrorContext(ctx, "game: send current question skipped", "session", sessionID, "error", err)
		}
		return
	}

	e.mu.Lock()
	s = e.sessions[sessionID]
	ok := s != nil && s.CurrentOrder == order && !s.QuestionClosed
	e.mu.Unlock()
	if !ok {
		return
	}

	e.b.ToConn(connID, EventQuestionDisplayed, QuestionPayload{
		Question:       q,
		TotalQuestions: total,
		OrderIndex:     order,
	})
}

// broadcastQuestion pushes the question at the given order to the whole
// session. Returns a CodeNotFound error when no question exists at that
// order.
func (e *Engine) broadcastQuestion(ctx context.Context, sessionID string, order int) (bool, error) {
	q, total, err := e.fetchQuestion(ctx, sessionID, order)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	s := e.sessions[sessionID]
	ok := s != nil && s.CurrentOrder == order && !s.QuestionClosed
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.b.ToSession(sessionID, EventQuestionDisplayed, QuestionPayload{
		Question:       q,
		TotalQuestions: total,
		OrderIndex:     order,
	})
	return true, nil
}

func (e *Engine) fetchQuestion(ctx context.Context, sessionID string, order int) (*domain.Question, int, error) {
	quizID, err := e.quizID(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	q, err := e.store.QuestionByOrder(ctx, quizID, order)
	if err != nil {
		return nil, 0, err
	}

	total, err := e.store.CountQuestions(ctx, quizID)
	if err != nil {
		return nil, 0, err
	}

	return q, total, nil
}

func (e *Engine) countQuestions(ctx context.Context, sessionID string) (int, error) {
	quizID, err := e.quizID(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	return e.store.CountQuestions(ctx, quizID)
}

// quizID resolves the session's quiz, caching it on the live session after
// the first store lookup.
func (e *Engine) quizID(ctx context.Context, sessionID string) (string, error) {
	e.mu.Lock()
	s := e.sessions[sessionID]
	if s != nil && s.QuizID != "" {
		id := s.QuizID
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	info, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if s := e.sessions[sessionID]; s != nil {
		s.QuizID = info.QuizID
	}
	e.mu.Unlock()

	return info.QuizID, nil
}

func (e *Engine) getOrCreateLocked(sessionID string) *domain.Session {
	s := e.sessions[sessionID]
	if s == nil {
		s = &domain.Session{
			SessionID:         sessionID,
			Status:            domain.StatusWaiting,
			Players:           make(map[string]*domain.Player),
			AnsweredPlayerIDs: make(map[string]struct{}),
			CreatedAt:         e.now(),
		}
		e.sessions[sessionID] = s
	}
	return s
}

func rosterLocked(s *domain.Session) []PlayerInfo {
	roster := make([]PlayerInfo, 0, len(s.Players))
	for _, p := range s.Players {
		roster = append(roster, PlayerInfo{
			PlayerID: p.PlayerID,
			Nickname: p.Nickname,
			JoinedAt: p.JoinedAt,
		})
	}
	return roster
}
