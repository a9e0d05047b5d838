package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Notification is the outbound wire envelope.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type conn struct {
	id        string
	sessionID string

	mu sync.Mutex // serializes writes
	ws *websocket.Conn
}

// Hub tracks live connections and their session membership, and fans
// notifications out to a whole session, one connection, or everyone but one.
// Sends are fire-and-forget: a failed write prunes the connection and is
// never reported to the caller.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*conn            // connID -> conn
	sessions map[string]map[string]*conn // sessionID -> connID -> conn
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*conn),
		sessions: make(map[string]map[string]*conn),
	}
}

// Register adds a freshly upgraded connection under the given ID.
func (h *Hub) Register(connID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[connID] = &conn{id: connID, ws: ws}
}

// Bind places a connection into a session room. A connection belongs to at
// most one session; rebinding moves it.
func (h *Hub) Bind(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.conns[connID]
	if c == nil {
		return
	}

	if c.sessionID != "" && c.sessionID != sessionID {
		h.unbindLocked(c)
	}

	c.sessionID = sessionID
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*conn)
	}
	h.sessions[sessionID][connID] = c
}

// Unregister drops a connection entirely and closes the socket.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c := h.conns[connID]
	if c != nil {
		h.unbindLocked(c)
		delete(h.conns, connID)
	}
	h.mu.Unlock()

	if c != nil {
		_ = c.ws.Close()
	}
}

func (h *Hub) unbindLocked(c *conn) {
	if room, ok := h.sessions[c.sessionID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	c.sessionID = ""
}

// ToSession sends to every connection in a session.
func (h *Hub) ToSession(sessionID, event string, data any) {
	h.send(h.room(sessionID, ""), event, data)
}

// ToSessionExcept sends to every connection in a session but one.
func (h *Hub) ToSessionExcept(sessionID, exceptConnID, event string, data any) {
	h.send(h.room(sessionID, exceptConnID), event, data)
}

// ToConn sends to a single connection. Sending to an unknown connection is a
// no-op.
func (h *Hub) ToConn(connID, event string, data any) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()

	if c == nil {
		return
	}
	h.send([]*conn{c}, event, data)
}

func (h *Hub) room(sessionID, exceptConnID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.sessions[sessionID]
	conns := make([]*conn, 0, len(room))
	for id, c := range room {
		if id == exceptConnID {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) send(conns []*conn, event string, data any) {
	if len(conns) == 0 {
		return
	}

	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		slog.Error("ws: marshal notification failed", "event", event, "error", err)
		return
	}

	for _, c := range conns {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, b)
		c.mu.Unlock()

		if err != nil {
			slog.Debug("ws: write failed, pruning connection", "conn", c.id, "error", err)
			h.Unregister(c.id)
		}
	}
}

// Close tears down every connection, used on shutdown after the caches have
// been drained.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.sessions = make(map[string]map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}
