package tour

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the page bridge connection of every visitor tab.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection for a visitor and session.
func (m *ConnManager) GetActive(visitorID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[visitorID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Count returns the number of open connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// Register adds conn, closing any previous connection of the same tab.
func (m *ConnManager) Register(visitorID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[visitorID]; !exists {
		m.active[visitorID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[visitorID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[visitorID][sessionID] = conn
	slog.Info("Tour bridge registered", "visitor_id", visitorID, "session_id", sessionID)
}

// Unregister removes conn if it is still the tab's current connection.
func (m *ConnManager) Unregister(visitorID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[visitorID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, visitorID)
			}
			slog.Info("Tour bridge unregistered", "visitor_id", visitorID, "session_id", sessionID)
		}
	}
}

// CloseSession closes one tab's connection.
func (m *ConnManager) CloseSession(visitorID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[visitorID]
	if !ok {
		return
	}
	if conn, ok := sessions[sessionID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session expired")
		delete(sessions, sessionID)
	}
	if len(sessions) == 0 {
		delete(m.active, visitorID)
	}
}

// CloseVisitor closes every connection of a visitor.
func (m *ConnManager) CloseVisitor(visitorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[visitorID]
	if !ok {
		return
	}

	for sid, conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Tour bridge closed", "visitor_id", visitorID, "session_id", sid)
	}
	delete(m.active, visitorID)
}
