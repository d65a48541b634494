package gorc

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/types"
)

// ErrGroupFull rejects membership beyond a group's capacity.
var ErrGroupFull = errors.New("multicast group at capacity")

// ErrGroupNotFound reports an unknown group id.
var ErrGroupNotFound = errors.New("multicast group not found")

// defaultGroupCapacity bounds membership when no capacity is given.
const defaultGroupCapacity = 1000

// LODLevel is a detail tier for distance-scaled replication.
type LODLevel int

const (
	// LODUltra is full replication at close range.
	LODUltra LODLevel = iota
	// LODHigh replicates most properties.
	LODHigh
	// LODMedium replicates important properties only.
	LODMedium
	// LODLow replicates basic properties.
	LODLow
	// LODMinimal replicates only essentials.
	LODMinimal
)

func (l LODLevel) String() string {
	switch l {
	case LODUltra:
		return "ultra"
	case LODHigh:
		return "high"
	case LODMedium:
		return "medium"
	case LODLow:
		return "low"
	default:
		return "minimal"
	}
}

// Radius is the outer distance at which this detail tier applies.
func (l LODLevel) Radius() float64 {
	switch l {
	case LODUltra:
		return 50
	case LODHigh:
		return 150
	case LODMedium:
		return 300
	case LODLow:
		return 600
	default:
		return 1200
	}
}

// Frequency is the target update rate at this tier.
func (l LODLevel) Frequency() float64 {
	switch l {
	case LODUltra:
		return 60
	case LODHigh:
		return 30
	case LODMedium:
		return 15
	case LODLow:
		return 10
	default:
		return 2
	}
}

// Priority maps the tier onto the delivery priority ladder.
func (l LODLevel) Priority() Priority {
	switch l {
	case LODUltra:
		return PriorityCritical
	case LODHigh:
		return PriorityHigh
	case LODMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// LODForDistance returns the tier covering a distance from the observed
// object. Distances beyond the minimal radius still get minimal detail.
func LODForDistance(d float64) LODLevel {
	switch {
	case d <= LODUltra.Radius():
		return LODUltra
	case d <= LODHigh.Radius():
		return LODHigh
	case d <= LODMedium.Radius():
		return LODMedium
	case d <= LODLow.Radius():
		return LODLow
	default:
		return LODMinimal
	}
}

// GroupID identifies a multicast group.
type GroupID = types.ObjectID

// GroupStats counts a group's activity.
type GroupStats struct {
	MemberAdditions uint64
	MemberRemovals  uint64
	MessagesSent    uint64
	BytesSent       uint64
}

// Group is a named set of players that receives data together, optionally
// constrained to a region and a subset of channels.
type Group struct {
	ID       GroupID
	Name     string
	Priority Priority

	mu         sync.Mutex
	members    map[types.PlayerID]struct{}
	channels   map[uint8]struct{}
	maxMembers int
	bounds     *types.RegionBounds
	createdAt  time.Time
	lastUpdate time.Time
	stats      GroupStats
}

func newGroup(name string, channels []uint8, priority Priority, capacity int) *Group {
	if capacity <= 0 {
		capacity = defaultGroupCapacity
	}
	g := &Group{
		ID:         types.NewObjectID(),
		Name:       name,
		Priority:   priority,
		members:    map[types.PlayerID]struct{}{},
		channels:   map[uint8]struct{}{},
		maxMembers: capacity,
		createdAt:  time.Now(),
	}
	for _, c := range channels {
		g.channels[c] = struct{}{}
	}
	return g
}

// AddMember inserts a player. Reports whether the membership is new.
func (g *Group) AddMember(player types.PlayerID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[player]; ok {
		return false, nil
	}
	if len(g.members) >= g.maxMembers {
		return false, ErrGroupFull
	}
	g.members[player] = struct{}{}
	g.stats.MemberAdditions++
	g.lastUpdate = time.Now()
	return true, nil
}

// RemoveMember drops a player. Reports whether it was a member.
func (g *Group) RemoveMember(player types.PlayerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[player]; !ok {
		return false
	}
	delete(g.members, player)
	g.stats.MemberRemovals++
	g.lastUpdate = time.Now()
	return true
}

// Contains reports membership.
func (g *Group) Contains(player types.PlayerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[player]
	return ok
}

// Members copies the member set.
func (g *Group) Members() []types.PlayerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.PlayerID, 0, len(g.members))
	for p := range g.members {
		out = append(out, p)
	}
	return out
}

// MemberCount returns the member count.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// HandlesChannel reports whether the group carries a channel. A group with
// no explicit channels carries all of them.
func (g *Group) HandlesChannel(channel uint8) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.channels) == 0 {
		return true
	}
	_, ok := g.channels[channel]
	return ok
}

// SetBounds constrains the group to a region.
func (g *Group) SetBounds(b types.RegionBounds) {
	g.mu.Lock()
	g.bounds = &b
	g.mu.Unlock()
}

// ContainsPosition reports whether the position falls inside the group's
// bounds. Unbounded groups contain everything.
func (g *Group) ContainsPosition(p types.Position) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bounds == nil {
		return true
	}
	return g.bounds.Contains(p)
}

// Stats snapshots the group's counters.
func (g *Group) Stats() GroupStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// GroupManager owns multicast groups and broadcasts to their members.
type GroupManager struct {
	log       zerolog.Logger
	transport Transport

	mu     sync.RWMutex
	groups map[GroupID]*Group
	byName map[string]GroupID
}

// NewGroupManager creates an empty group manager.
func NewGroupManager(log zerolog.Logger, transport Transport) *GroupManager {
	return &GroupManager{
		log:       log.With().Str("component", "multicast").Logger(),
		transport: transport,
		groups:    map[GroupID]*Group{},
		byName:    map[string]GroupID{},
	}
}

// CreateGroup makes a new group. Names are not required to be unique; the
// most recent group wins name lookup.
func (m *GroupManager) CreateGroup(name string, channels []uint8, priority Priority, capacity int) *Group {
	g := newGroup(name, channels, priority, capacity)
	m.mu.Lock()
	m.groups[g.ID] = g
	m.byName[name] = g.ID
	m.mu.Unlock()
	m.log.Debug().Str("group", name).Str("group_id", g.ID.String()).Msg("multicast group created")
	return g
}

// Group looks a group up by id.
func (m *GroupManager) Group(id GroupID) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// GroupByName looks a group up by name.
func (m *GroupManager) GroupByName(name string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	g, ok := m.groups[id]
	return g, ok
}

// RemoveGroup destroys a group.
func (m *GroupManager) RemoveGroup(id GroupID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return false
	}
	delete(m.groups, id)
	if current, found := m.byName[g.Name]; found && current == id {
		delete(m.byName, g.Name)
	}
	return true
}

// RemovePlayer drops the player from every group.
func (m *GroupManager) RemovePlayer(player types.PlayerID) {
	m.mu.RLock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()
	for _, g := range groups {
		g.RemoveMember(player)
	}
}

// Broadcast sends data to every member of the group on a channel the group
// carries. Returns how many members accepted.
func (m *GroupManager) Broadcast(id GroupID, channel uint8, data []byte) (int, error) {
	g, ok := m.Group(id)
	if !ok {
		return 0, ErrGroupNotFound
	}
	if !g.HandlesChannel(channel) {
		return 0, nil
	}
	sent := 0
	for _, player := range g.Members() {
		if err := m.transport.SendToPlayer(player, data); err != nil {
			m.log.Debug().Str("player", player.String()).Err(err).Msg("multicast send failed")
			continue
		}
		sent++
	}
	g.mu.Lock()
	g.stats.MessagesSent++
	g.stats.BytesSent += uint64(len(data) * sent)
	g.lastUpdate = time.Now()
	g.mu.Unlock()
	return sent, nil
}

// Count returns the number of groups.
func (m *GroupManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}
