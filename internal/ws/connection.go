package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mansion/relay/internal/auth"
)

// ErrConnNotFound is returned when a connection id is not held by this
// instance.
var ErrConnNotFound = errors.New("ws: connection not found")

// Connection is one authenticated WebSocket client. Writes are serialized by
// a per-connection mutex and bounded by the server's write timeout.
type Connection struct {
	ID        string        // connection id (UUID)
	Identity  auth.Identity // principal attached at the handshake
	Conn      net.Conn
	Fd        int
	CreatedAt time.Time

	reader       io.Reader // frame source handed out by the poller
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last frame read
	processing   int32        // 1 while a worker is reading this connection
}

// ConnectionID returns the connection id.
func (c *Connection) ConnectionID() string { return c.ID }

// UserID returns the authenticated user id.
func (c *Connection) UserID() string { return c.Identity.UserID }

// Send writes a text frame to the client.
func (c *Connection) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, frame)
}

// writeControl writes a control frame (ping, pong, close).
func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is the local socket cache, indexed by connection id and
// by network connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove drops a connection and closes it. It returns false when the
// connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping nc, or nil.
func (cm *ConnectionManager) GetByConn(nc net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[nc]
}

// Count returns the number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// Broadcast writes msg to every connection except the one with id except.
// Write errors are ignored; broken connections are reaped by the read path.
func (cm *ConnectionManager) Broadcast(msg []byte, except string) {
	for _, c := range cm.All() {
		if c.ID == except {
			continue
		}
		_ = c.Send(msg)
	}
}

// All returns a snapshot of the current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
