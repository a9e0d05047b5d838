package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/taivippro123/kahoot/internal/domain"
)

// Run sweeps stale players and empty sessions on a fixed interval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep removes players inactive beyond the threshold, then evicts sessions
// left with no players and no host.
func (e *Engine) Sweep(ctx context.Context) {
	type removal struct {
		sessionID string
		player    *domain.Player
		roster    []PlayerInfo
		autoClose bool
		evict     bool
	}

	cutoff := e.now().Add(-e.inactivityThreshold)

	e.mu.Lock()
	var removals []removal
	for id, s := range e.sessions {
		for pid, p := range s.Players {
			if p.LastActivityAt.After(cutoff) {
				continue
			}
			removed, roster, autoClose, evict := e.removePlayerLocked(s, pid)
			removals = append(removals, removal{
				sessionID: id,
				player:    removed,
				roster:    roster,
				autoClose: autoClose,
				evict:     evict,
			})
			if evict {
				break
			}
		}
	}
	e.mu.Unlock()

	for _, r := range removals {
		slog.InfoContext(ctx, "game: swept inactive player",
			"session", r.sessionID, "player", r.player.PlayerID)
		e.announceLeft(r.sessionID, r.player, r.roster)
		e.afterRemoval(ctx, r.sessionID, r.autoClose, r.evict)
	}
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	Status         domain.SessionStatus
	CurrentOrder   int
	QuestionClosed bool
	PlayerCount    int
	AnsweredCount  int
	HasHost        bool
}

// SessionSnapshot returns the session's current state, or false when the
// session is not registered.
func (e *Engine) SessionSnapshot(sessionID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sessions[sessionID]
	if s == nil {
		return Snapshot{}, false
	}

	return Snapshot{
		Status:         s.Status,
		CurrentOrder:   s.CurrentOrder,
		QuestionClosed: s.QuestionClosed,
		PlayerCount:    len(s.Players),
		AnsweredCount:  len(s.AnsweredPlayerIDs),
		HasHost:        s.HostConn != "",
	}, true
}

// SessionCount reports how many sessions are live, for the health endpoint.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.sessions)
}
