package domain

const (
	EventNameAnswersFlushed     = "answers.flushed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameGameEnded          = "game.ended"
)

// EventAnswersFlushed is published after a batch of cached answers has been
// persisted for a session.
type EventAnswersFlushed struct {
	SessionID string
	Count     int
}

func (EventAnswersFlushed) Name() string { return EventNameAnswersFlushed }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

type EventGameEnded struct {
	SessionID string
}

func (EventGameEnded) Name() string { return EventNameGameEnded }
