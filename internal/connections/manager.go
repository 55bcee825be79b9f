package connections

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TimeoutConfig holds the various timeout settings for WebSocket connections
type TimeoutConfig struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// DefaultTimeouts provides sensible default timeout values
var DefaultTimeouts = TimeoutConfig{
	PongWait:   30 * time.Second,
	PingPeriod: 27 * time.Second, // (PongWait * 9) / 10
	WriteWait:  10 * time.Second,
}

// Connection is a signal subscriber bound to one context
type Connection struct {
	ContextID string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Write sends one text frame, serialised with other writers
func (c *Connection) Write(payload []byte, writeWait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) ping(writeWait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
}

// Manager handles WebSocket connection lifecycle for signal subscribers
type Manager struct {
	mu          sync.RWMutex
	connections map[*Connection]struct{}
	timeouts    TimeoutConfig
}

// NewManager creates a new connection manager with the specified timeouts
func NewManager(timeouts TimeoutConfig) *Manager {
	return &Manager{
		connections: make(map[*Connection]struct{}),
		timeouts:    timeouts,
	}
}

// AddConnection registers a subscriber for a context
func (m *Manager) AddConnection(contextID string, conn *websocket.Conn) *Connection {
	c := &Connection{ContextID: contextID, conn: conn}
	m.mu.Lock()
	m.connections[c] = struct{}{}
	m.mu.Unlock()
	return c
}

// RemoveConnection removes a subscriber
func (m *Manager) RemoveConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c)
	m.mu.Unlock()
}

// GetConnectionCount returns the current number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CountFor returns the number of subscribers for a context
func (m *Manager) CountFor(contextID string) int {
	return len(m.subscribers(contextID))
}

// HasConnection checks if a specific connection exists
func (m *Manager) HasConnection(c *Connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.connections[c]
	return exists
}

// GetTimeouts returns the current timeout configuration
func (m *Manager) GetTimeouts() TimeoutConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeouts
}

// SetTimeouts updates the timeout configuration
func (m *Manager) SetTimeouts(timeouts TimeoutConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = timeouts
}

func (m *Manager) subscribers(contextID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for c := range m.connections {
		if c.ContextID == contextID {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast writes payload to every subscriber of contextID and returns the
// number of successful deliveries. Subscribers that fail are closed and removed.
func (m *Manager) Broadcast(contextID string, payload []byte) int {
	writeWait := m.GetTimeouts().WriteWait
	delivered := 0
	for _, c := range m.subscribers(contextID) {
		if err := c.Write(payload, writeWait); err != nil {
			log.Debug().Err(err).Str("context_id", contextID).Msg("Dropping subscriber after failed write")
			m.RemoveConnection(c)
			c.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every subscriber connection, forcing clients to reconnect
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[*Connection]struct{})
	m.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Serve keeps a subscriber alive with ping/pong until the peer goes away,
// then unregisters it. It blocks for the lifetime of the connection.
func (m *Manager) Serve(c *Connection) {
	timeouts := m.GetTimeouts()
	defer func() {
		m.RemoveConnection(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(timeouts.PingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.ping(timeouts.WriteWait); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Subscribers never send data; reads only drive control frames
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("context_id", c.ContextID).Msg("Subscriber closed unexpectedly")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	}
}
