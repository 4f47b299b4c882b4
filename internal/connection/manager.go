// Package connection implements the Connection Manager (SPEC_FULL.md §4.5):
// the session_id<->socket and user_id<->session_id binding maps, safe-send
// semantics, and broadcast-to-user with dead-socket pruning. Grounded on
// original_source/services/WebSocket-Server/connection_manager.py and
// re-expressed with gorilla/websocket in the teacher's hub idiom.
package connection

import (
	"sync"

	"github.com/gorilla/websocket"

	"ws-gateway/internal/logger"
)

// Close codes used by graceful replace and shutdown (spec §4.5).
const (
	CloseReplaced  = websocket.CloseNormalClosure     // 1000
	CloseShutdown  = websocket.CloseServiceRestart     // 1012
)

// conn pairs a socket with the mutex guarding writes to it. gorilla/websocket
// forbids concurrent writers on a single connection, so every write goes
// through this lock, matching the teacher's per-connection send discipline.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) writeClose(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}

// Manager is the Connection Manager of SPEC_FULL.md §4.5.
type Manager struct {
	mu sync.Mutex

	bySession map[string]*conn
	userOf    map[string]string // session_id -> user_id
}

// NewManager creates an empty Connection Manager.
func NewManager() *Manager {
	return &Manager{
		bySession: make(map[string]*conn),
		userOf:    make(map[string]string),
	}
}

// Connect registers ws for session_id. ws.Upgrade must already have been
// called. A pre-existing socket for the same session is closed with
// CloseReplaced before being displaced.
func (m *Manager) Connect(sessionID string, ws *websocket.Conn) {
	log := logger.Connection()

	m.mu.Lock()
	old, existed := m.bySession[sessionID]
	m.bySession[sessionID] = &conn{ws: ws}
	count := len(m.bySession)
	m.mu.Unlock()

	if existed {
		old.writeClose(CloseReplaced)
		_ = old.ws.Close()
		log.Debug().Str("session_id", sessionID).Msg("websocket replaced")
	}

	log.Info().Str("session_id", sessionID).Int("total", count).Msg("websocket connected")
}

// AttachUser binds userID to an already-connected session. Safe to call
// repeatedly; a no-op if the session has no active socket.
func (m *Manager) AttachUser(sessionID, userID string) {
	log := logger.Connection()

	m.mu.Lock()
	_, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("session_id", sessionID).Str("user_id", userID).Msg("attach skipped, no active websocket")
		return
	}
	prev := m.userOf[sessionID]
	m.userOf[sessionID] = userID
	m.mu.Unlock()

	if prev != userID {
		log.Debug().Str("session_id", sessionID).Str("user_id", userID).Msg("websocket bound to user")
	}
}

// DetachSession unbinds a session from any user without closing its socket.
func (m *Manager) DetachSession(sessionID string) {
	m.mu.Lock()
	userID, ok := m.userOf[sessionID]
	delete(m.userOf, sessionID)
	m.mu.Unlock()

	if ok {
		logger.Connection().Info().Str("session_id", sessionID).Str("user_id", userID).Msg("websocket unbound")
	}
}

// DetachUser unbinds every session currently bound to userID and returns
// their session ids.
func (m *Manager) DetachUser(userID string) []string {
	m.mu.Lock()
	var detached []string
	for sessionID, uid := range m.userOf {
		if uid != userID {
			continue
		}
		delete(m.userOf, sessionID)
		detached = append(detached, sessionID)
	}
	m.mu.Unlock()

	if len(detached) > 0 {
		logger.Connection().Info().Str("user_id", userID).Int("sessions", len(detached)).Msg("user unbound")
	}
	return detached
}

// SafeSend writes payload to sessionID's socket, returning false (never
// erroring) if there is no live socket or the write failed.
func (m *Manager) SafeSend(sessionID string, payload any) bool {
	m.mu.Lock()
	c, ok := m.bySession[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return c.writeJSON(payload) == nil
}

// BroadcastToUser sends payload to every session bound to userID, pruning
// any binding whose socket is gone or whose write failed.
func (m *Manager) BroadcastToUser(userID string, payload any) {
	m.mu.Lock()
	var sessions []string
	for sessionID, uid := range m.userOf {
		if uid == userID {
			sessions = append(sessions, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range sessions {
		m.mu.Lock()
		c, ok := m.bySession[sessionID]
		m.mu.Unlock()

		if !ok {
			m.cleanup(sessionID)
			continue
		}
		if c.writeJSON(payload) != nil {
			m.cleanup(sessionID)
		}
	}
}

// cleanup removes both bindings for sessionID without touching the socket.
func (m *Manager) cleanup(sessionID string) {
	m.mu.Lock()
	delete(m.bySession, sessionID)
	delete(m.userOf, sessionID)
	m.mu.Unlock()

	logger.Connection().Debug().Str("session_id", sessionID).Msg("websocket binding cleaned up")
}

// Disconnect is an explicit client-initiated disconnect: it closes the
// socket (if still open) and removes both bindings.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	c, ok := m.bySession[sessionID]
	userID := m.userOf[sessionID]
	delete(m.bySession, sessionID)
	delete(m.userOf, sessionID)
	m.mu.Unlock()

	if ok {
		_ = c.ws.Close()
	}
	logger.Connection().Info().Str("session_id", sessionID).Str("user_id", userID).Msg("websocket disconnected")
}

// CloseAll closes every connection with the given close code and clears all
// bindings. Used for graceful shutdown (CloseShutdown).
func (m *Manager) CloseAll(code int) {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.bySession))
	for _, c := range m.bySession {
		conns = append(conns, c)
	}
	m.bySession = make(map[string]*conn)
	m.userOf = make(map[string]string)
	m.mu.Unlock()

	for _, c := range conns {
		c.writeClose(code)
		_ = c.ws.Close()
	}

	logger.Connection().Info().Msg("all websocket connections closed")
}

// Count returns the number of currently tracked sockets. Used by health and
// diagnostics endpoints.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession)
}
