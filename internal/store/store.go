package store

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Store is the durable-store collaborator. The engine only ever talks to it
// through short request/response calls; no transaction spans engine state.
type Store struct {
	db *pgxpool.Pool
}

func New(c Config) *Store {
	return &Store{db: c.DB}
}

// SessionInfo is the durable quiz_sessions record the engine cares about.
type SessionInfo struct {
	SessionID string
	QuizID    string
	Status    domain.SessionStatus
}

func (s *Store) Session(ctx context.Context, sessionID string) (*SessionInfo, error) {
	const stmt = `SELECT id, quiz_id, status FROM quiz_sessions WHERE id = $1;`

	info := SessionInfo{}
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(&info.SessionID, &info.QuizID, &info.Status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	return &info, nil
}

// QuestionByOrder returns the question at the 1-based order index within a
// quiz, with its choices in display order. A missing row maps to
// CodeNotFound, which the engine reads as "no further question".
func (s *Store) QuestionByOrder(ctx context.Context, quizID string, order int) (*domain.Question, error) {
	const stmt = `
SELECT id, content, COALESCE(image_url, ''), time_limit_s, points, order_index
FROM questions
WHERE quiz_id = $1 AND order_index = $2
LIMIT 1;`

	q := domain.Question{}
	err := s.db.QueryRow(ctx, stmt, quizID, order).
		Scan(&q.QuestionID, &q.Content, &q.ImageURL, &q.TimeLimitS, &q.Points, &q.OrderIndex)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: quiz=%s order=%d", quizID, order))
	}
	if err != nil {
		return nil, fmt.Errorf("query question: quiz=%s order=%d: %w", quizID, order, err)
	}

	if err := s.loadChoices(ctx, &q); err != nil {
		return nil, err
	}

	return &q, nil
}

// QuestionByID returns a question with its choices, used when scoring cached
// answers at flush time.
func (s *Store) QuestionByID(ctx context.Context, questionID string) (*domain.Question, error) {
	const stmt = `
SELECT id, content, COALESCE(image_url, ''), time_limit_s, points, order_index
FROM questions
WHERE id = $1;`

	q := domain.Question{}
	err := s.db.QueryRow(ctx, stmt, questionID).
		Scan(&q.QuestionID, &q.Content, &q.ImageURL, &q.TimeLimitS, &q.Points, &q.OrderIndex)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", questionID))
	}
	if err != nil {
		return nil, fmt.Errorf("query question %s: %w", questionID, err)
	}

	if err := s.loadChoices(ctx, &q); err != nil {
		return nil, err
	}

	return &q, nil
}

func (s *Store) loadChoices(ctx context.Context, q *domain.Question) error {
	const stmt = `
SELECT id, content, is_correct
FROM choices
WHERE question_id = $1
ORDER BY order_index;`

	rows, err := s.db.Query(ctx, stmt, q.QuestionID)
	if err != nil {
		return fmt.Errorf("query choices for question %s: %w", q.QuestionID, err)
	}

	q.Choices, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Choice, error) {
		var c domain.Choice
		if err := r.Scan(&c.ChoiceID, &c.Content, &c.IsCorrect); err != nil {
			return domain.Choice{}, err
		}
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("collect choices for question %s: %w", q.QuestionID, err)
	}

	return nil
}

func (s *Store) CountQuestions(ctx context.Context, quizID string) (int, error) {
	const stmt = `SELECT COUNT(*) FROM questions WHERE quiz_id = $1;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, quizID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions for quiz %s: %w", quizID, err)
	}

	return n, nil
}

// InsertAnswers persists a batch of scored answers in one round trip. The
// flush path may retry the same batch, so the insert is a no-op for rows
// already present for the same (session, player, question).
func (s *Store) InsertAnswers(ctx context.Context, answers []domain.ScoredAnswer) error {
	if len(answers) == 0 {
		return nil
	}

	const stmt = `
INSERT INTO player_answers (session_id, player_id, question_id, choice_id, time_ms, is_correct, score_earned)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, player_id, question_id) DO NOTHING;`

	b := &pgx.Batch{}
	for _, a := range answers {
		b.Queue(stmt, a.SessionID, a.PlayerID, a.QuestionID, a.ChoiceID, a.ElapsedMs, a.IsCorrect, a.Score)
	}

	if err := s.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert %d answers: %w", len(answers), err)
	}

	return nil
}

// UpdateSessionStatus marks the durable session record, stamping started_at
// or ended_at as appropriate.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	var stmt string
	switch status {
	case domain.StatusInProgress:
		stmt = `UPDATE quiz_sessions SET status = $2, started_at = NOW() WHERE id = $1;`
	case domain.StatusEnded:
		stmt = `UPDATE quiz_sessions SET status = $2, ended_at = NOW() WHERE id = $1;`
	default:
		stmt = `UPDATE quiz_sessions SET status = $2 WHERE id = $1;`
	}

	if _, err := s.db.Exec(ctx, stmt, sessionID, status); err != nil {
		return fmt.Errorf("update session %s status to %s: %w", sessionID, status, err)
	}

	return nil
}

// ListTotals returns per-player score sums for a session, highest first.
func (s *Store) ListTotals(ctx context.Context, sessionID string) ([]domain.PlayerTotal, error) {
	const stmt = `
SELECT ps.id, ps.nickname, COALESCE(SUM(pa.score_earned), 0) AS total
FROM player_sessions ps
LEFT JOIN player_answers pa ON ps.id = pa.player_id AND pa.session_id = $1
WHERE ps.session_id = $1
GROUP BY ps.id, ps.nickname
ORDER BY total DESC;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query totals for session %s: %w", sessionID, err)
	}

	totals, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.PlayerTotal, error) {
		var t domain.PlayerTotal
		if err := r.Scan(&t.PlayerID, &t.Nickname, &t.Total); err != nil {
			return domain.PlayerTotal{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect totals for session %s: %w", sessionID, err)
	}

	return totals, nil
}
