package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/taivippro123/kahoot/internal/answercache"
	"github.com/taivippro123/kahoot/internal/domain"
	"github.com/taivippro123/kahoot/internal/event"
	"github.com/taivippro123/kahoot/internal/game"
	"github.com/taivippro123/kahoot/internal/leaderboard"
	"github.com/taivippro123/kahoot/internal/ratelimit"
	"github.com/taivippro123/kahoot/internal/store"
	"github.com/taivippro123/kahoot/internal/telemetry"
	"github.com/taivippro123/kahoot/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Game struct {
		StartDelay          time.Duration
		InactivityThreshold time.Duration
		SweepInterval       time.Duration
		AutoSaveInterval    time.Duration
		ForceFlushAt        int
		ShutdownTimeout     time.Duration
	}

	RateLimit struct {
		SubmitAnswer time.Duration
		Default      time.Duration
	}
}

// Defaults returns a config pre-filled with the engine's operating defaults;
// the loaded file and environment override them.
func Defaults() Config {
	var c Config
	c.HTTP.Port = 5000
	c.Game.StartDelay = 250 * time.Millisecond
	c.Game.InactivityThreshold = 10 * time.Minute
	c.Game.SweepInterval = 5 * time.Minute
	c.Game.AutoSaveInterval = 30 * time.Second
	c.Game.ForceFlushAt = 100
	c.Game.ShutdownTimeout = 10 * time.Second
	c.RateLimit.SubmitAnswer = 500 * time.Millisecond
	c.RateLimit.Default = time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		store       *store.Store
		cache       *answercache.Cache
		engine      *game.Engine
		leaderboard *leaderboard.Service
		hub         *ws.Hub
		limiter     *ratelimit.Limiter
	}

	http *http.Server

	startedAt time.Time
	cancelBG  context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c, startedAt: time.Now()}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initHTTP()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Leaderboard.Addrs,
		Password: s.c.Redis.Leaderboard.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	s.service.store = store.New(store.Config{
		DB: s.infra.postgres,
	})

	s.service.cache = answercache.New(answercache.Config{
		Store:            s.service.store,
		EventBus:         s.eb,
		AutoSaveInterval: s.c.Game.AutoSaveInterval,
	})

	s.service.hub = ws.NewHub()

	s.service.engine = game.New(game.Config{
		Store:               s.service.store,
		Cache:               s.service.cache,
		Broadcaster:         s.service.hub,
		EventBus:            s.eb,
		StartDelay:          s.c.Game.StartDelay,
		InactivityThreshold: s.c.Game.InactivityThreshold,
		SweepInterval:       s.c.Game.SweepInterval,
		ForceFlushAt:        s.c.Game.ForceFlushAt,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Store:    s.service.store,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.limiter = ratelimit.New(s.c.RateLimit.Default, map[string]time.Duration{
		ws.EventSubmitAnswer: s.c.RateLimit.SubmitAnswer,
		ws.EventJoinSession:  0, // join must never be dropped
	})

	// Push ranking changes to the room as they land.
	s.eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		l := e.(domain.EventLeaderboardUpdated).Leaderboard
		s.service.hub.ToSession(l.SessionID, "leaderboard_updated", leaderboardPayload(l))
		return nil
	})
}

type leaderboardEntry struct {
	Nickname string  `json:"nickname"`
	Score    float64 `json:"score"`
}

func leaderboardPayload(l domain.Leaderboard) []leaderboardEntry {
	entries := make([]leaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, leaderboardEntry{Nickname: e.Nickname, Score: e.Score})
	}
	return entries
}

func (s *Server) initHTTP() {
	e := gin.New()
	e.Use(gin.Recovery())

	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")

	e.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "OK",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(s.startedAt).Seconds(),
			"sessions":  s.service.engine.SessionCount(),
		})
	})

	handler := ws.NewHandler(s.service.hub, s.service.engine, s.service.limiter)
	e.GET("/ws", handler.Serve)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBG = cancel

	go s.service.cache.Run(ctx)
	go s.service.engine.Run(ctx)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown drains the answer caches to the durable store before exit. The
// whole sequence is bounded by a hard timeout after which the process is
// forced to terminate.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.c.Game.ShutdownTimeout)
	defer cancel()

	hardExit := time.AfterFunc(s.c.Game.ShutdownTimeout+time.Second, func() {
		slog.Error("server: shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer hardExit.Stop()

	if s.cancelBG != nil {
		s.cancelBG()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if err := s.service.cache.FlushAll(ctx); err != nil {
		slog.ErrorContext(ctx, "server: drain answer caches failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	s.service.hub.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
