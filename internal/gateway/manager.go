package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/common/logger"
)

// ConnManager owns every live transport handle and enforces the
// concurrent-connection cap at accept time.
type ConnManager struct {
	mu    sync.Mutex
	conns map[string]*Conn
	max   int

	logger *logger.Logger
}

// NewConnManager creates an empty registry capped at max connections.
func NewConnManager(max int, log *logger.Logger) *ConnManager {
	return &ConnManager{
		conns:  make(map[string]*Conn),
		max:    max,
		logger: log.WithFields(zap.String("component", "conn_manager")),
	}
}

// TryAdd registers a connection, failing when the cap is reached.
func (m *ConnManager) TryAdd(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.max {
		return false
	}
	m.conns[c.ID] = c
	m.logger.Debug("connection registered", zap.String("conn_id", c.ID), zap.Int("total", len(m.conns)))
	return true
}

// Remove drops a connection from the registry; called from Conn.close.
func (m *ConnManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
	m.logger.Debug("connection removed", zap.String("conn_id", id), zap.Int("total", len(m.conns)))
}

// Count returns the number of live connections, for /health and the
// capacity check.
func (m *ConnManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll terminates every live connection, used by graceful shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
