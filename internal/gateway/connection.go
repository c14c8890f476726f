package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single relay client with its watch set and a write mutex
// serializing outbound frames.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	writeMu sync.Mutex

	mu             sync.Mutex
	watchedEntries map[string]bool // entry ids this client watches
	watchedInbound map[string]bool // receiver ids this client watches
}

func newConnection(id string, conn net.Conn) *Connection {
	return &Connection{
		ID:             id,
		Conn:           conn,
		CreatedAt:      time.Now(),
		watchedEntries: make(map[string]bool),
		watchedInbound: make(map[string]bool),
	}
}

// WriteMessage sends a WebSocket text frame. The write mutex keeps
// concurrent event deliveries from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) addWatch(entries map[string]bool, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entries[id] {
		return false
	}
	entries[id] = true
	return true
}

func (c *Connection) dropWatch(entries map[string]bool, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !entries[id] {
		return false
	}
	delete(entries, id)
	return true
}

// watches returns copies of both watch sets for teardown.
func (c *Connection) watches() (entries, inbound []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.watchedEntries {
		entries = append(entries, id)
	}
	for id := range c.watchedInbound {
		inbound = append(inbound, id)
	}
	return entries, inbound
}

// ConnectionManager is a thread-safe registry of relay connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection and closes its socket. Returns true if the
// connection was present.
func (cm *ConnectionManager) Remove(id string) bool {
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

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}
