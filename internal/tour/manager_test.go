package tour

import (
	"strconv"
	"testing"

	"github.com/coder/websocket"
)

func TestConnManager_Register(t *testing.T) {
	m := NewConnManager()
	conn := &websocket.Conn{}

	m.Register("visitor123", "tab-1", conn)

	if active := m.GetActive("visitor123", "tab-1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Count())
	}
}

func TestConnManager_Unregister(t *testing.T) {
	m := NewConnManager()
	conn := &websocket.Conn{}

	m.Register("visitor123", "tab-1", conn)
	m.Unregister("visitor123", "tab-1", conn)

	if active := m.GetActive("visitor123", "tab-1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
	if m.Count() != 0 {
		t.Errorf("Expected 0 connections, got %d", m.Count())
	}
}

func TestConnManager_UnregisterStale(t *testing.T) {
	m := NewConnManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	m.Register("visitor123", "tab-1", conn1)
	m.Register("visitor123", "tab-2", conn2)
	m.Unregister("visitor123", "tab-1", conn1)

	if active := m.GetActive("visitor123", "tab-2"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}

	// Unregistering a connection that is not current leaves the tab alone.
	m.Unregister("visitor123", "tab-2", conn1)
	if active := m.GetActive("visitor123", "tab-2"); active != conn2 {
		t.Errorf("Expected connection %v to survive stale unregister", conn2)
	}
}

func TestConnManager_ManyTabs(t *testing.T) {
	m := NewConnManager()
	conns := make([]*websocket.Conn, 5)
	for i := range conns {
		conns[i] = &websocket.Conn{}
		m.Register("visitor123", "tab-"+strconv.Itoa(i), conns[i])
	}
	if m.Count() != len(conns) {
		t.Fatalf("Expected %d connections, got %d", len(conns), m.Count())
	}
	for i, c := range conns {
		m.Unregister("visitor123", "tab-"+strconv.Itoa(i), c)
	}
	if m.Count() != 0 {
		t.Errorf("Expected 0 connections, got %d", m.Count())
	}
}
