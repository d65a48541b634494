package gorc

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/spatial"
	"github.com/nimbusgames/nimbus/internal/types"
)

// defaultLargeZoneRadius is the radius beyond which a layer is counted as a large
// zone at registration.
const defaultLargeZoneRadius = 1000.0

// ZoneEventType distinguishes enter from exit notifications.
type ZoneEventType string

const (
	ZoneEnter ZoneEventType = "gorc_zone_enter"
	ZoneExit  ZoneEventType = "gorc_zone_exit"
)

// ZoneEvent is the notification sent to exactly the transitioning player.
type ZoneEvent struct {
	Type       ZoneEventType  `json:"type"`
	ObjectID   types.ObjectID `json:"object_id"`
	ObjectType string         `json:"object_type"`
	Channel    uint8          `json:"channel"`
	Timestamp  int64          `json:"timestamp"`
}

// ZoneSink receives zone notifications addressed to a single player. The
// engine emits enter before any content update reaches the new subscriber.
type ZoneSink interface {
	SendZoneEvent(player types.PlayerID, event ZoneEvent)
}

// ZoneSinkFunc adapts a function to ZoneSink.
type ZoneSinkFunc func(player types.PlayerID, event ZoneEvent)

func (f ZoneSinkFunc) SendZoneEvent(player types.PlayerID, event ZoneEvent) { f(player, event) }

// Instance is one registered replicated object. Subscriber sets are guarded
// by the instance's own lock; the manager acquires instance locks in ObjectID
// order when more than one is held.
type Instance struct {
	ID     types.ObjectID
	Object Object

	mu          sync.Mutex
	position    types.Position
	layers      Layers
	subscribers [MaxChannels]map[types.PlayerID]struct{}
	lastUpdate  [MaxChannels]time.Time
}

func newInstance(id types.ObjectID, obj Object, pos types.Position) *Instance {
	inst := &Instance{
		ID:       id,
		Object:   obj,
		position: pos,
		layers:   obj.Layers(),
	}
	for c := range inst.subscribers {
		inst.subscribers[c] = map[types.PlayerID]struct{}{}
	}
	return inst
}

// Position returns the object's current position.
func (in *Instance) Position() types.Position {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.position
}

// Layers returns the object's replication layer snapshot.
func (in *Instance) Layers() Layers { return in.layers }

// Subscribers copies the channel's subscriber set.
func (in *Instance) Subscribers(channel uint8) []types.PlayerID {
	if channel >= MaxChannels {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]types.PlayerID, 0, len(in.subscribers[channel]))
	for p := range in.subscribers[channel] {
		out = append(out, p)
	}
	return out
}

// ManagerStats counts manager activity for monitoring.
type ManagerStats struct {
	TotalObjects       int
	TotalSubscriptions int
	ZoneEnters         uint64
	ZoneExits          uint64
	LargeZoneWarnings  uint64
}

// Manager owns every Instance and keeps subscriber sets consistent with the
// spatial index as players and objects move.
type Manager struct {
	log   zerolog.Logger
	index *spatial.Index
	sink  ZoneSink

	mu      sync.RWMutex
	objects map[types.ObjectID]*Instance

	largeZoneRadius float64

	zoneEnters        atomic.Uint64
	zoneExits         atomic.Uint64
	largeZoneWarnings atomic.Uint64
}

// NewManager creates a manager over the given spatial index. sink receives
// zone notifications; a nil sink discards them.
func NewManager(log zerolog.Logger, index *spatial.Index, sink ZoneSink) *Manager {
	if sink == nil {
		sink = ZoneSinkFunc(func(types.PlayerID, ZoneEvent) {})
	}
	return &Manager{
		log:             log.With().Str("component", "gorc").Logger(),
		index:           index,
		sink:            sink,
		objects:         map[types.ObjectID]*Instance{},
		largeZoneRadius: defaultLargeZoneRadius,
	}
}

// SetLargeZoneRadius overrides the large-zone warning threshold.
func (m *Manager) SetLargeZoneRadius(r float64) { m.largeZoneRadius = r }

// RegisterObject stores the object, computes its initial subscribers from the
// spatial index, and emits a zone enter to every (subscriber, channel) pair.
func (m *Manager) RegisterObject(obj Object, pos types.Position) types.ObjectID {
	id := types.NewObjectID()
	inst := newInstance(id, obj, pos)

	m.mu.Lock()
	m.objects[id] = inst
	m.mu.Unlock()

	inst.mu.Lock()
	for _, layer := range inst.layers {
		if layer.Radius >= m.largeZoneRadius {
			m.largeZoneWarnings.Add(1)
			m.log.Warn().
				Str("object_id", id.String()).
				Str("object_type", obj.TypeName()).
				Uint8("channel", layer.Channel).
				Float64("radius", layer.Radius).
				Msg("large replication zone registered")
		}
		if layer.Channel >= MaxChannels {
			continue
		}
		for _, r := range m.index.QueryRadius(pos, layer.Radius) {
			inst.subscribers[layer.Channel][r.Player] = struct{}{}
			m.notify(r.Player, inst, layer.Channel, ZoneEnter)
		}
	}
	inst.mu.Unlock()

	m.log.Debug().
		Str("object_id", id.String()).
		Str("object_type", obj.TypeName()).
		Msg("object registered")
	return id
}

// UnregisterObject emits a zone exit to every remaining subscriber and
// destroys the instance. Unknown ids are ignored.
func (m *Manager) UnregisterObject(id types.ObjectID) {
	m.mu.Lock()
	inst, ok := m.objects[id]
	if ok {
		delete(m.objects, id)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debug().Str("object_id", id.String()).Msg("unregister of unknown object")
		return
	}

	inst.mu.Lock()
	for c := uint8(0); c < MaxChannels; c++ {
		for p := range inst.subscribers[c] {
			m.notify(p, inst, c, ZoneExit)
		}
		inst.subscribers[c] = map[types.PlayerID]struct{}{}
	}
	inst.mu.Unlock()
}

// Object returns the instance for id.
func (m *Manager) Object(id types.ObjectID) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.objects[id]
	return inst, ok
}

// Subscribers returns the channel's subscriber set for an object.
func (m *Manager) Subscribers(id types.ObjectID, channel uint8) []types.PlayerID {
	inst, ok := m.Object(id)
	if !ok {
		return nil
	}
	return inst.Subscribers(channel)
}

// AddPlayer registers a player position without triggering subscription
// recomputation beyond the normal update path.
func (m *Manager) AddPlayer(player types.PlayerID, pos types.Position) {
	m.UpdatePlayerPosition(player, pos)
}

// RemovePlayer drops the player from the index and from every subscriber set,
// emitting zone exits for each active subscription.
func (m *Manager) RemovePlayer(player types.PlayerID) {
	m.index.Remove(player)
	for _, inst := range m.orderedInstances() {
		inst.mu.Lock()
		for c := uint8(0); c < MaxChannels; c++ {
			if _, ok := inst.subscribers[c][player]; ok {
				delete(inst.subscribers[c], player)
				m.notify(player, inst, c, ZoneExit)
			}
		}
		inst.mu.Unlock()
	}
}

// UpdatePlayerPosition moves the player in the spatial index, then recomputes
// that player's subscription state against every object. The operation is
// idempotent: re-applying the same position produces no notifications.
func (m *Manager) UpdatePlayerPosition(player types.PlayerID, pos types.Position) {
	m.index.Upsert(player, pos)

	for _, inst := range m.orderedInstances() {
		inst.mu.Lock()
		objPos := inst.position
		for _, layer := range inst.layers {
			if layer.Channel >= MaxChannels {
				continue
			}
			set := inst.subscribers[layer.Channel]
			_, subscribed := set[player]
			inside := pos.Distance(objPos) <= layer.Radius
			switch {
			case inside && !subscribed:
				set[player] = struct{}{}
				m.notify(player, inst, layer.Channel, ZoneEnter)
			case !inside && subscribed:
				delete(set, player)
				m.notify(player, inst, layer.Channel, ZoneExit)
			}
		}
		inst.mu.Unlock()
	}
}

// UpdateObjectPosition moves the object and recomputes every affected
// subscriber set against the spatial index, emitting enter/exit transitions.
func (m *Manager) UpdateObjectPosition(id types.ObjectID, pos types.Position) {
	inst, ok := m.Object(id)
	if !ok {
		m.log.Debug().Str("object_id", id.String()).Msg("position update for unknown object")
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.position = pos

	for _, layer := range inst.layers {
		if layer.Channel >= MaxChannels {
			continue
		}
		set := inst.subscribers[layer.Channel]
		now := map[types.PlayerID]struct{}{}
		for _, r := range m.index.QueryRadius(pos, layer.Radius) {
			now[r.Player] = struct{}{}
		}
		for p := range now {
			if _, ok := set[p]; !ok {
				set[p] = struct{}{}
				m.notify(p, inst, layer.Channel, ZoneEnter)
			}
		}
		for p := range set {
			if _, ok := now[p]; !ok {
				delete(set, p)
				m.notify(p, inst, layer.Channel, ZoneExit)
			}
		}
	}
}

// orderedInstances snapshots all instances sorted by ObjectID, the order in
// which per-instance locks must be taken.
func (m *Manager) orderedInstances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.objects))
	for _, inst := range m.objects {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// notify sends a zone notification to the transitioning player. Callers hold
// the instance lock; the sink must not call back into the manager.
func (m *Manager) notify(player types.PlayerID, inst *Instance, channel uint8, typ ZoneEventType) {
	switch typ {
	case ZoneEnter:
		m.zoneEnters.Add(1)
	case ZoneExit:
		m.zoneExits.Add(1)
	}
	m.sink.SendZoneEvent(player, ZoneEvent{
		Type:       typ,
		ObjectID:   inst.ID,
		ObjectType: inst.Object.TypeName(),
		Channel:    channel,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	total := len(m.objects)
	subs := 0
	for _, inst := range m.objects {
		inst.mu.Lock()
		for c := range inst.subscribers {
			subs += len(inst.subscribers[c])
		}
		inst.mu.Unlock()
	}
	m.mu.RUnlock()
	return ManagerStats{
		TotalObjects:       total,
		TotalSubscriptions: subs,
		ZoneEnters:         m.zoneEnters.Load(),
		ZoneExits:          m.zoneExits.Load(),
		LargeZoneWarnings:  m.largeZoneWarnings.Load(),
	}
}

// MarshalZoneEvent encodes the wire form of a zone notification.
func MarshalZoneEvent(ev ZoneEvent) ([]byte, error) { return json.Marshal(ev) }
