package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	StatusWaiting    SessionStatus = "waiting"
	StatusInProgress SessionStatus = "in_progress"
	StatusEnded      SessionStatus = "ended"
)

// Session is the live, in-memory state of one quiz being played. It is owned
// by the game engine; nothing outside the engine mutates it.
type Session struct {
	SessionID string
	QuizID    string

	// HostConn is the connection ID of the current host, empty while the
	// host is offline. At most one host connection exists at any time.
	HostConn string

	Status  SessionStatus
	Players map[string]*Player // playerID -> player

	// CurrentOrder is the 1-based index of the active question, 0 before
	// the game starts. It never decreases.
	CurrentOrder      int
	QuestionClosed    bool
	AnsweredPlayerIDs map[string]struct{}

	CreatedAt time.Time
}

// Player is one participant registered in a session. The connection ID is
// replaced when the player reconnects.
type Player struct {
	PlayerID       string
	ConnID         string
	Nickname       string
	JoinedAt       time.Time
	LastActivityAt time.Time
}

// Question is a quiz question as read from the durable store.
type Question struct {
	QuestionID string   `json:"id"`
	Content    string   `json:"content"`
	ImageURL   string   `json:"image_url,omitempty"`
	TimeLimitS int      `json:"time_limit_s"`
	Points     int      `json:"points"`
	OrderIndex int      `json:"order_index"`
	Choices    []Choice `json:"choices"`
}

type Choice struct {
	ChoiceID  string `json:"id"`
	Content   string `json:"content"`
	IsCorrect bool   `json:"is_correct"`
}

// PendingAnswer is a submitted answer buffered in the answer cache. It is
// scored and persisted at flush time and never read again afterwards.
type PendingAnswer struct {
	SessionID  string
	PlayerID   string
	QuestionID string
	ChoiceID   string
	ElapsedMs  int64
	ReceivedAt time.Time
}

// ScoredAnswer is a pending answer with correctness and score resolved.
type ScoredAnswer struct {
	PendingAnswer
	IsCorrect bool
	Score     int
}

// PlayerTotal is a per-player score sum for a session, read from the store.
type PlayerTotal struct {
	PlayerID string
	Nickname string
	Total    decimal.Decimal
}

// Leaderboard is the ranked score list of a session, sorted by score in
// descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	Nickname string
	Score    float64
}
