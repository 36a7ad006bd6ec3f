package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Connection is one authenticated WebSocket client. Writes are serialized by
// a per-connection mutex so it can be handed to the registry and written to
// from any goroutine.
type Connection struct {
	ID        string    // connection ID (UUID), unique per socket
	UserID    uuid.UUID // identity resolved from the access token
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 when epoll is not in use
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(userID uuid.UUID, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// WriteMessage sends a WebSocket text frame. A write that does not finish
// within the configured write timeout fails.
func (c *Connection) WriteMessage(data []byte) error {
	return c.writeFrame(ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

// WritePong answers a client ping, echoing its payload.
func (c *Connection) WritePong(payload []byte) error {
	return c.writeFrame(ws.OpPong, payload)
}

func (c *Connection) writeFrame(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, op, payload)
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client was last heard from.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe index of open sockets by connection ID
// and by net.Conn. A user may briefly own several sockets here (for example
// while a reconnect replaces an old one); routing by user lives in the
// registry.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	byNet map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		byNet: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byNet[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove deletes a connection by ID and closes it. It returns false when the
// connection was already gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byNet, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with the given ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byNet[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open sockets.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
