package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/novavoice/nova/internal/protocol"
	"github.com/novavoice/nova/internal/session"
)

// Client is one connected WebSocket peer: the socket plus its session.
type Client struct {
	// Session is the per-connection conversation state.
	Session *session.Session

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// newClient wraps an accepted connection.
func newClient(conn *websocket.Conn, sess *session.Session) *Client {
	return &Client{Session: sess, conn: conn}
}

// Send marshals frame and writes it as one text message. Writes are
// serialized; the pipeline goroutine and the read loop may both send.
func (c *Client) Send(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("server: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write frame: %w", err)
	}
	return nil
}

// Manager tracks connected clients by session id. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// Add registers a client under its session id, replacing any previous
// connection with the same id.
func (m *Manager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.Session.ID] = c
}

// Remove unregisters the client with the given id. Removing an id that was
// already replaced by a newer connection is a no-op.
func (m *Manager) Remove(id string, c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.clients[id]; ok && current == c {
		delete(m.clients, id)
	}
}

// Get returns the client connected under id.
func (m *Manager) Get(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Len returns the number of connected clients.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// All returns a snapshot of the connected clients.
func (m *Manager) All() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// Broadcast sends frame to every connected client. The client set is
// snapshotted first so a slow peer cannot hold the registry lock.
func (m *Manager) Broadcast(ctx context.Context, frame protocol.Frame) {
	for _, c := range m.All() {
		// A dead peer just misses the broadcast until its read loop notices.
		_ = c.Send(ctx, frame)
	}
}
