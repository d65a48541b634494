// Package connection tracks client connections, their player assignments and
// their outbound sinks.
package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/types"
)

// ErrNotConnected is returned when an operation targets a connection or
// player that is not present.
var ErrNotConnected = errors.New("not connected")

// Sink is the outbound endpoint of one connection. The transport implements
// it; the manager holds a handle so server-initiated sends work.
type Sink interface {
	// Send enqueues bytes for delivery. Best-effort: a full outbound buffer
	// may drop.
	Send(data []byte) error
	// Close sends a close frame carrying reason, then tears the connection
	// down.
	Close(reason string)
}

// Connection is the manager's record of one client.
type Connection struct {
	ID            types.ConnectionID
	RemoteAddr    string
	EstablishedAt time.Time

	mu       sync.Mutex
	playerID types.PlayerID
	auth     types.AuthStatus
	sink     Sink
}

// PlayerID returns the assigned player id; the zero id when unassigned.
func (c *Connection) PlayerID() types.PlayerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// AuthStatus returns the connection's authentication state.
func (c *Connection) AuthStatus() types.AuthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Manager owns the connection table and the derived player-to-connection map.
// The invariant held here: a player id maps to at most one connection at any
// instant.
type Manager struct {
	log zerolog.Logger

	nextID atomic.Int64

	mu      sync.RWMutex
	conns   map[types.ConnectionID]*Connection
	players map[types.PlayerID]types.ConnectionID
}

// NewManager creates an empty connection manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "connections").Logger(),
		conns:   map[types.ConnectionID]*Connection{},
		players: map[types.PlayerID]types.ConnectionID{},
	}
}

// Add registers a new connection and returns its id. IDs are monotonic and
// never reused within the process.
func (m *Manager) Add(remoteAddr string, sink Sink) types.ConnectionID {
	id := types.ConnectionID(m.nextID.Add(1))
	conn := &Connection{
		ID:            id,
		RemoteAddr:    remoteAddr,
		EstablishedAt: time.Now(),
		auth:          types.AuthUnauthenticated,
		sink:          sink,
	}
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()
	m.log.Debug().Int64("connection_id", int64(id)).Str("remote_addr", remoteAddr).Msg("connection added")
	return id
}

// Remove drops a connection and its player mapping.
func (m *Manager) Remove(id types.ConnectionID) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		conn.mu.Lock()
		if !conn.playerID.IsZero() {
			if mapped, found := m.players[conn.playerID]; found && mapped == id {
				delete(m.players, conn.playerID)
			}
		}
		conn.mu.Unlock()
	}
	m.mu.Unlock()
	if ok {
		m.log.Debug().Int64("connection_id", int64(id)).Str("remote_addr", conn.RemoteAddr).Msg("connection removed")
	}
}

// Get returns the connection record for id.
func (m *Manager) Get(id types.ConnectionID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// AssignPlayer binds a player id to a connection. Silently ignores vanished
// connections. If the player was bound elsewhere, the previous binding is
// replaced.
func (m *Manager) AssignPlayer(id types.ConnectionID, player types.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return
	}
	if prev, found := m.players[player]; found && prev != id {
		if prevConn, exists := m.conns[prev]; exists {
			prevConn.mu.Lock()
			prevConn.playerID = types.PlayerID{}
			prevConn.mu.Unlock()
		}
	}
	conn.mu.Lock()
	conn.playerID = player
	conn.mu.Unlock()
	m.players[player] = id
}

// ConnectionByPlayer returns the connection currently bound to player.
func (m *Manager) ConnectionByPlayer(player types.PlayerID) (types.ConnectionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.players[player]
	return id, ok
}

// SetAuthStatus updates a connection's authentication state.
func (m *Manager) SetAuthStatus(id types.ConnectionID, status types.AuthStatus) error {
	conn, ok := m.Get(id)
	if !ok {
		return ErrNotConnected
	}
	conn.mu.Lock()
	conn.auth = status
	conn.mu.Unlock()
	return nil
}

// SetAuthStatusByPlayer updates authentication state through the player map.
func (m *Manager) SetAuthStatusByPlayer(player types.PlayerID, status types.AuthStatus) error {
	id, ok := m.ConnectionByPlayer(player)
	if !ok {
		return ErrNotConnected
	}
	return m.SetAuthStatus(id, status)
}

// Send enqueues data to one connection's sink, best effort.
func (m *Manager) Send(id types.ConnectionID, data []byte) error {
	conn, ok := m.Get(id)
	if !ok {
		return ErrNotConnected
	}
	conn.mu.Lock()
	sink := conn.sink
	conn.mu.Unlock()
	if sink == nil {
		return ErrNotConnected
	}
	return sink.Send(data)
}

// SendToPlayer enqueues data to the player's connection.
func (m *Manager) SendToPlayer(player types.PlayerID, data []byte) error {
	id, ok := m.ConnectionByPlayer(player)
	if !ok {
		return ErrNotConnected
	}
	return m.Send(id, data)
}

// Broadcast enqueues a copy of data to every connection and returns how many
// sinks accepted it.
func (m *Manager) Broadcast(data []byte) int {
	m.mu.RLock()
	sinks := make([]Sink, 0, len(m.conns))
	for _, conn := range m.conns {
		conn.mu.Lock()
		if conn.sink != nil {
			sinks = append(sinks, conn.sink)
		}
		conn.mu.Unlock()
	}
	m.mu.RUnlock()

	count := 0
	for _, s := range sinks {
		payload := make([]byte, len(data))
		copy(payload, data)
		if err := s.Send(payload); err == nil {
			count++
		}
	}
	return count
}

// Kick closes the connection with a reason frame and removes it.
func (m *Manager) Kick(id types.ConnectionID, reason string) error {
	conn, ok := m.Get(id)
	if !ok {
		return ErrNotConnected
	}
	conn.mu.Lock()
	sink := conn.sink
	conn.mu.Unlock()
	if sink != nil {
		sink.Close(reason)
	}
	m.Remove(id)
	m.log.Info().Int64("connection_id", int64(id)).Str("reason", reason).Msg("connection kicked")
	return nil
}

// KickPlayer kicks through the player map.
func (m *Manager) KickPlayer(player types.PlayerID, reason string) error {
	id, ok := m.ConnectionByPlayer(player)
	if !ok {
		return ErrNotConnected
	}
	return m.Kick(id, reason)
}

// Count returns the number of active connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Each calls fn for every connection. fn must not call back into the manager.
func (m *Manager) Each(fn func(*Connection)) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}
