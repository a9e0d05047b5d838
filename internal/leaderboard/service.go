package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/errors"
	"github.com/taivippro123/kahoot/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond

	// keyTTL lets finished sessions age out of Redis on their own.
	keyTTL = 5 * time.Minute
)

// Store is the slice of the durable store the leaderboard reads totals from.
type Store interface {
	ListTotals(ctx context.Context, sessionID string) ([]domain.PlayerTotal, error)
}

type Config struct {
	EventBus        *event.Bus
	Store           Store
	Redis           redis.UniversalClient
	Prefix          string
	PublishInterval time.Duration
}

// Service keeps a per-session ranking in a Redis sorted set, refreshed from
// durable totals whenever a batch of answers lands, and publishes throttled
// leaderboard.updated events for the broadcast layer.
type Service struct {
	eb              *event.Bus
	store           Store
	redis           redis.UniversalClient
	prefix          string
	publishInterval time.Duration
}

func NewService(c Config) *Service {
	if c.PublishInterval <= 0 {
		c.PublishInterval = defaultPublishInterval
	}

	s := &Service{
		eb:              c.EventBus,
		store:           c.Store,
		redis:           c.Redis,
		prefix:          c.Prefix,
		publishInterval: c.PublishInterval,
	}

	s.eb.Subscribe(domain.EventNameAnswersFlushed, func(ctx context.Context, e event.Event) error {
		return s.Refresh(ctx, e.(domain.EventAnswersFlushed))
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the session's ranking, highest score first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Nickname: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// Refresh overwrites the session's sorted set from the durable totals, then
// schedules a throttled publish.
func (s *Service) Refresh(ctx context.Context, e domain.EventAnswersFlushed) error {
	totals, err := s.store.ListTotals(ctx, e.SessionID)
	if err != nil {
		return fmt.Errorf("list totals: %w", err)
	}

	if len(totals) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(totals))
	for _, t := range totals {
		members = append(members, redis.Z{
			Score:  t.Total.InexactFloat64(),
			Member: t.Nickname,
		})
	}

	key := s.leaderboardKey(e.SessionID)
	if err := s.redis.ZAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}
	if err := s.redis.Expire(ctx, key, keyTTL).Err(); err != nil {
		return fmt.Errorf("expire leaderboard: %w", err)
	}

	return s.schedulePublish(ctx, e.SessionID)
}

// schedulePublish publishes the leaderboard at most once per publish
// interval. Many answers flush in a short window around a question close;
// the SetNX lock collapses them into one published event.
func (s *Service) schedulePublish(ctx context.Context, sessionID string) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(sessionID), time.Now().UnixMilli(), s.publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})
	return nil
}

func (s *Service) leaderboardKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, sessionID)
}

func (s *Service) timeKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, sessionID)
}
