package game

import (
	"time"

	"github.com/taivippro123/kahoot/internal/domain"
)

// Outbound event names, as delivered on the wire.
const (
	EventHostJoined        = "host_joined"
	EventPlayerJoined      = "player_joined"
	EventSessionPlayers    = "session_players"
	EventQuestionDisplayed = "question_displayed"
	EventQuestionClosed    = "question_closed"
	EventQuestionProgress  = "question_progress"
	EventGameStarted       = "game_started"
	EventGameEnded         = "game_ended"
	EventPlayerAnswered    = "player_answered"
	EventPlayerLeft        = "player_left"
	EventPlayerKicked      = "player_kicked"
	EventAppError          = "app_error"
)

type PlayerInfo struct {
	PlayerID string    `json:"playerId"`
	Nickname string    `json:"nickname"`
	JoinedAt time.Time `json:"joinedAt"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type QuestionPayload struct {
	Question       *domain.Question `json:"question"`
	TotalQuestions int              `json:"totalQuestions"`
	OrderIndex     int              `json:"orderIndex"`
}

type ProgressPayload struct {
	CurrentOrder   int  `json:"currentOrder"`
	TotalQuestions int  `json:"totalQuestions"`
	QuestionClosed bool `json:"questionClosed"`
}

type AnswerNotice struct {
	PlayerID   string `json:"playerId"`
	QuestionID string `json:"questionId"`
	ChoiceID   string `json:"choiceId"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

type LeftNotice struct {
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

type KickNotice struct {
	Message string `json:"message"`
}
