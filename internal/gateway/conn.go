// Package gateway terminates inbound HTTP and WebSocket traffic for the chat
// routing layer. It upgrades lobby and session connections, binds each socket
// to the right actor (the single lobby, or a lazily created session), and
// serves the HTTP control plane for chat requests and accepts.
package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn represents a single WebSocket client connection with its metadata and
// a write mutex for serializing outbound frames. Writes carry their own
// deadline so that an actor fanning out to many sockets is never blocked
// indefinitely by one of them.
type Conn struct {
	ID           string    // connection id (UUID)
	SessionID    string    // bound session id; empty for lobby (agent) conns
	Name         string    // agent display name; empty for session conns
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the connection was established
	LastPing     time.Time // last frame received from the client
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures concurrent goroutines do not interleave frame bytes.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePong answers a client's protocol-level ping.
func (c *Conn) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// ConnManager is a thread-safe registry of live WebSocket connections, keyed
// by connection id. The heartbeat iterates it to ping clients and evict dead
// sockets.
type ConnManager struct {
	mu   sync.RWMutex
	byID map[string]*Conn
}

// NewConnManager creates an empty ConnManager ready for use.
func NewConnManager() *ConnManager {
	return &ConnManager{byID: make(map[string]*Conn)}
}

// Add registers a new connection.
func (cm *ConnManager) Add(conn *Conn) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone — callers use this to avoid racing double cleanup.
func (cm *ConnManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (cm *ConnManager) All() []*Conn {
	cm.mu.RLock()
	conns := make([]*Conn, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
