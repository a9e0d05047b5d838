package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taivippro123/kahoot/internal/errors"
	"github.com/taivippro123/kahoot/internal/game"
	"github.com/taivippro123/kahoot/internal/ratelimit"
)

// Inbound event names.
const (
	EventJoinSession     = "join_session"
	EventRequestCurrent  = "request_current"
	EventRequestProgress = "request_progress"
	EventStartGame       = "start_game"
	EventNextQuestion    = "next_question"
	EventSubmitAnswer    = "submit_answer"
	EventCloseQuestion   = "close_question"
	EventKickPlayer      = "kick_player"
	EventLeaveSession    = "leave_session"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_ws_events_total",
		Help: "Inbound websocket events by type.",
	}, []string{"event"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_ws_events_dropped_total",
		Help: "Inbound websocket events dropped by the rate limiter.",
	}, []string{"event"})
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// message is the inbound wire envelope.
type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinPayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
	Nickname  string `json:"nickname"`
	IsHost    bool   `json:"isHost"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type answerPayload struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	ChoiceID   string `json:"choiceId"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

type kickPayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
}

type leavePayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type Handler struct {
	hub     *Hub
	engine  *game.Engine
	limiter *ratelimit.Limiter
}

func NewHandler(hub *Hub, engine *game.Engine, limiter *ratelimit.Limiter) *Handler {
	return &Handler{hub: hub, engine: engine, limiter: limiter}
}

// Serve upgrades the HTTP request and runs the connection's read loop until
// the peer goes away. Events from one connection are processed in arrival
// order; ordering across connections is not guaranteed.
func (h *Handler) Serve(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	h.hub.Register(connID, sock)
	slog.Info("ws: connected", "conn", connID)

	// Connection-scoped identity, set by join_session.
	var (
		sessionID string
		playerID  string
	)

	ctx := context.WithoutCancel(c.Request.Context())

	defer func() {
		h.engine.Disconnect(ctx, connID)
		h.hub.Unregister(connID)
		h.limiter.Forget(connID)
		slog.Info("ws: disconnected", "conn", connID)
	}()

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}

		var m message
		if err := json.Unmarshal(raw, &m); err != nil || m.Event == "" {
			h.sendError(connID, "invalid message")
			continue
		}

		eventsTotal.WithLabelValues(m.Event).Inc()

		// Clients are expected to self-throttle; early arrivals are
		// dropped without any error back.
		if !h.limiter.Allow(connID, m.Event) {
			eventsDropped.WithLabelValues(m.Event).Inc()
			continue
		}

		switch m.Event {
		case EventJoinSession:
			var p joinPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				h.sendError(connID, "invalid join_session payload")
				continue
			}

			// Enter the room before the engine broadcasts the join, so the
			// joiner sees its own notifications.
			if p.SessionID != "" {
				h.hub.Bind(connID, p.SessionID)
			}

			if p.IsHost {
				err = h.engine.JoinHost(ctx, connID, p.SessionID)
			} else {
				err = h.engine.JoinPlayer(ctx, connID, p.SessionID, p.PlayerID, p.Nickname)
			}
			if err != nil {
				h.sendError(connID, errors.Convert(err).Message)
				continue
			}

			sessionID = p.SessionID
			if !p.IsHost {
				playerID = p.PlayerID
			}

		case EventRequestCurrent:
			var p sessionPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			h.touch(sessionID, playerID)
			h.engine.RequestCurrent(ctx, connID, p.SessionID)

		case EventRequestProgress:
			var p sessionPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			h.touch(sessionID, playerID)
			h.engine.RequestProgress(ctx, connID, p.SessionID)

		case EventStartGame:
			var p sessionPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			if err := h.engine.StartGame(ctx, connID, p.SessionID); err != nil {
				h.sendError(connID, errors.Convert(err).Message)
			}

		case EventNextQuestion:
			var p sessionPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			if err := h.engine.AdvanceQuestion(ctx, connID, p.SessionID); err != nil {
				h.sendError(connID, errors.Convert(err).Message)
			}

		case EventSubmitAnswer:
			var p answerPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				h.sendError(connID, "invalid submit_answer payload")
				continue
			}
			if err := h.engine.RecordAnswer(ctx, connID, p.SessionID, playerID, p.QuestionID, p.ChoiceID, p.ElapsedMs); err != nil {
				h.sendError(connID, errors.Convert(err).Message)
			}

		case EventCloseQuestion:
			var p sessionPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			if err := h.engine.CloseQuestion(ctx, connID, p.SessionID); err != nil {
				h.sendError(connID, errors.Convert(err).Message)
			}

		case EventKickPlayer:
			var p kickPayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			if err := h.engine.KickPlayer(ctx, connID, p.SessionID, p.PlayerID); err != nil {
				h.sendError(connID, errors.Convert(err).Message)
			}

		case EventLeaveSession:
			var p leavePayload
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			pid := p.PlayerID
			if pid == "" {
				pid = playerID
			}
			_ = h.engine.LeavePlayer(ctx, p.SessionID, pid)

		default:
			h.sendError(connID, "unknown event: "+m.Event)
		}
	}
}

func (h *Handler) touch(sessionID, playerID string) {
	if sessionID != "" && playerID != "" {
		h.engine.Touch(sessionID, playerID)
	}
}

func (h *Handler) sendError(connID, msg string) {
	h.hub.ToConn(connID, game.EventAppError, errorPayload{Message: msg})
}
