package connection

import (
	"net"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/protocol"
)

// ClientInfo holds information about an identified device connection
type ClientInfo struct {
	ConnectionID string
	Identity     protocol.IdentifyMessage
	ConnectedAt  time.Time
	Conn         net.Conn

	mu            sync.RWMutex
	lastHeardFrom time.Time
	writeMu       sync.Mutex
}

// DeviceID is the device the connection identified as
func (c *ClientInfo) DeviceID() string {
	return c.Identity.DeviceID
}

// UpdateLastHeardFrom updates the last activity timestamp
func (c *ClientInfo) UpdateLastHeardFrom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (c *ClientInfo) GetLastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeardFrom
}

// Send writes one newline-terminated message. Workers answering the same
// connection are serialized.
func (c *ClientInfo) Send(msg any) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return eris.Wrap(err, "connection: encode message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.Conn.Write(append(data, '\n')); err != nil {
		return eris.Wrapf(err, "connection: write to %s", c.ConnectionID)
	}
	return nil
}

// Manager manages all active device connections
type Manager struct {
	clients  map[string]*ClientInfo // key: connection_id
	byDevice map[string][]string    // key: device_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		clients:  make(map[string]*ClientInfo),
		byDevice: make(map[string][]string),
		maxConns: maxConnections,
	}
}

// Register adds an identified connection. A device may hold several
// connections at once.
func (m *Manager) Register(connectionID string, id protocol.IdentifyMessage, conn net.Conn) (*ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConns > 0 && len(m.clients) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}
	if _, exists := m.clients[connectionID]; exists {
		return nil, eris.Errorf("connection: id %s already registered", connectionID)
	}

	now := time.Now()
	client := &ClientInfo{
		ConnectionID:  connectionID,
		Identity:      id,
		ConnectedAt:   now,
		lastHeardFrom: now,
		Conn:          conn,
	}

	m.clients[connectionID] = client
	m.byDevice[id.DeviceID] = append(m.byDevice[id.DeviceID], connectionID)
	return client, nil
}

// Unregister removes a connection
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[connectionID]
	if !exists {
		return eris.Wrapf(ErrUnknownConnection, "connection %s", connectionID)
	}

	device := client.DeviceID()
	ids := m.byDevice[device]
	for i, id := range ids {
		if id == connectionID {
			m.byDevice[device] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byDevice[device]) == 0 {
		delete(m.byDevice, device)
	}

	delete(m.clients, connectionID)
	return nil
}

// Get retrieves client information by connection ID
func (m *Manager) Get(connectionID string) (*ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[connectionID]
	return client, exists
}

// GetByDevice returns the connection IDs a device currently holds
func (m *Manager) GetByDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byDevice[deviceID]
	result := make([]string, len(ids))
	copy(result, ids)
	return result
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	client, exists := m.clients[connectionID]
	m.mu.RUnlock()

	if !exists {
		return eris.Wrapf(ErrUnknownConnection, "connection %s", connectionID)
	}
	client.UpdateLastHeardFrom()
	return nil
}

// GetInactiveConnections returns connection IDs not heard from within timeout
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for id, client := range m.clients {
		if now.Sub(client.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

// Count returns the total number of active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll closes every registered connection; readers then unregister
func (m *Manager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		client.Conn.Close()
	}
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
		UniqueDevices:    len(m.byDevice),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int `json:"total_connections"`
	UniqueDevices    int `json:"unique_devices"`
	MaxConnections   int `json:"max_connections"`
}

var (
	ErrMaxConnectionsReached = eris.New("maximum connections reached")
	ErrUnknownConnection     = eris.New("unknown connection")
)
