package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/strangers/internal/client"
)

// Connection is one authenticated WebSocket connection and the controller
// that serves its user.
type Connection struct {
	ID        string    // connection id (UUID)
	UserID    string    // authenticated user
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	ctrl         *client.Controller
	writeTimeout time.Duration
	lastActivity atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection
	closeOnce    sync.Once
}

func (c *Connection) touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

// LastActivity returns when a frame was last read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// WriteMessage sends a WebSocket text frame. The write mutex keeps
// concurrent writers from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// ConnectionManager is a thread-safe registry of open connections, indexed
// by connection id and by user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]*Connection),
	}
}

// Add registers conn and returns the connection it displaced for the same
// user, if any. A user holds at most one live connection.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	prev := cm.byUser[conn.UserID]
	if prev != nil {
		delete(cm.byID, prev.ID)
	}
	cm.byID[conn.ID] = conn
	cm.byUser[conn.UserID] = conn
	return prev
}

// Remove unregisters a connection by id. It reports whether the connection
// was still registered.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if !ok {
		return false
	}
	delete(cm.byID, id)
	if cm.byUser[conn.UserID] == conn {
		delete(cm.byUser, conn.UserID)
	}
	return true
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// ForUser returns the user's live connection, or nil.
func (cm *ConnectionManager) ForUser(userID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
