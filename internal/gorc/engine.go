package gorc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/health"
	"github.com/nimbusgames/nimbus/internal/types"
)

// Transport delivers finalized batches to a player's connection.
type Transport interface {
	SendToPlayer(player types.PlayerID, data []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(player types.PlayerID, data []byte) error

func (f TransportFunc) SendToPlayer(player types.PlayerID, data []byte) error {
	return f(player, data)
}

// Batch is the wire unit handed to the transport: ordered updates for one
// player.
type Batch struct {
	BatchID      uint32         `json:"batch_id"`
	TargetPlayer types.PlayerID `json:"target_player"`
	Updates      []Update       `json:"updates"`
	Priority     Priority       `json:"priority"`
	Timestamp    int64          `json:"timestamp"`
}

// EngineConfig tunes batching, bandwidth and compression.
type EngineConfig struct {
	MaxBandwidthPerPlayer int           `yaml:"max_bandwidth_per_player"`
	MaxBatchSize          int           `yaml:"max_batch_size"`
	MaxBatchAge           time.Duration `yaml:"max_batch_age"`
	CompressionEnabled    bool          `yaml:"compression_enabled"`
	CompressionThreshold  int           `yaml:"compression_threshold"`
	QueueCapacities       QueueCapacities
	// EstimatedUpdateSize is the per-update byte estimate used for bandwidth
	// admission before serialization.
	EstimatedUpdateSize int
}

// DefaultEngineConfig mirrors the tuning the default layer set was built for.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxBandwidthPerPlayer: 512 * 1024,
		MaxBatchSize:          25,
		MaxBatchAge:           16 * time.Millisecond,
		CompressionEnabled:    true,
		CompressionThreshold:  128,
		QueueCapacities:       DefaultQueueCapacities(),
		EstimatedUpdateSize:   256,
	}
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	UpdatesSent      uint64
	UpdatesDropped   uint64
	BatchesSent      uint64
	BytesTransmitted uint64
	TransportErrors  uint64
	ActivePlayers    int
}

// Engine assembles per-player batches from queued updates and hands them to
// the transport. Per-player queue state is owned by the engine; callers only
// go through the exported methods.
type Engine struct {
	log       zerolog.Logger
	cfg       EngineConfig
	manager   *Manager
	transport Transport
	bus       *events.Bus

	mu      sync.Mutex
	players map[types.PlayerID]*playerState

	breakers *health.BreakerSet

	batchID atomic.Uint32

	updatesSent    atomic.Uint64
	updatesDropped atomic.Uint64
	batchesSent    atomic.Uint64
	bytesSent      atomic.Uint64
	sendErrors     atomic.Uint64
}

// NewEngine creates a replication engine. bus may be nil when handler
// dispatch of instance events is not wanted (tests).
func NewEngine(log zerolog.Logger, cfg EngineConfig, manager *Manager, transport Transport, bus *events.Bus) *Engine {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.EstimatedUpdateSize <= 0 {
		cfg.EstimatedUpdateSize = 256
	}
	return &Engine{
		log:       log.With().Str("component", "gorc_engine").Logger(),
		cfg:       cfg,
		manager:   manager,
		transport: transport,
		bus:       bus,
		players:   map[types.PlayerID]*playerState{},
		breakers:  health.NewBreakerSet(health.DefaultBreakerConfig()),
	}
}

// AddPlayer allocates replication state for a player.
func (e *Engine) AddPlayer(player types.PlayerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.players[player]; !ok {
		e.players[player] = newPlayerState(player, e.cfg.QueueCapacities)
	}
}

// RemovePlayer drops a player's replication state.
func (e *Engine) RemovePlayer(player types.PlayerID) {
	e.mu.Lock()
	delete(e.players, player)
	e.mu.Unlock()
	e.breakers.Remove(player.String())
}

// Enqueue queues an update for each target player. Players whose circuit
// breaker is open are skipped; full slots drop their oldest entry.
func (e *Engine) Enqueue(targets []types.PlayerID, u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, player := range targets {
		state, ok := e.players[player]
		if !ok {
			continue
		}
		if !e.breakers.Get(player.String()).CanExecute() {
			e.updatesDropped.Add(1)
			continue
		}
		seq := u
		seq.Sequence = state.nextSequence()
		if state.queue.push(seq) {
			state.updatesDropped++
			e.updatesDropped.Add(1)
		}
	}
}

// EmitInstance is the dirty-flag bypass: it serializes event, enqueues it to
// every subscriber of (object, channel) without waiting for the scheduler,
// and dispatches the matching gorc_instance handlers on the bus. Returns the
// subscriber count.
func (e *Engine) EmitInstance(ctx context.Context, id types.ObjectID, channel uint8, eventName string, event any) (int, error) {
	inst, ok := e.manager.Object(id)
	if !ok {
		return 0, fmt.Errorf("object instance %s not found", id)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("serialize instance event: %w", err)
	}
	layer, _ := inst.Layers().ForChannel(channel)

	subscribers := inst.Subscribers(channel)
	e.Enqueue(subscribers, Update{
		ObjectID:    id,
		ObjectType:  inst.Object.TypeName(),
		Channel:     channel,
		Data:        payload,
		Priority:    PriorityForChannel(channel),
		Timestamp:   time.Now().UnixMilli(),
		Compression: layer.Compression,
	})

	if e.bus != nil {
		key := events.GorcInstanceKey(inst.Object.TypeName(), channel, eventName)
		ev := events.GorcInstanceEvent{
			ObjectID:   id,
			ObjectType: inst.Object.TypeName(),
			Channel:    channel,
			Event:      eventName,
			Data:       payload,
			Timestamp:  time.Now().UnixMilli(),
		}
		if err := e.bus.Emit(ctx, key, ev); err != nil {
			e.log.Warn().Str("key", key.String()).Err(err).Msg("instance event handlers failed")
		}
	}
	return len(subscribers), nil
}

// RunScheduled walks every object and enqueues channel payloads that are due
// per their layer frequency.
func (e *Engine) RunScheduled(now time.Time) {
	for _, inst := range e.manager.orderedInstances() {
		inst.mu.Lock()
		layers := inst.layers
		typeName := inst.Object.TypeName()
		for _, layer := range layers {
			if layer.Channel >= MaxChannels {
				continue
			}
			last := inst.lastUpdate[layer.Channel]
			if !last.IsZero() && now.Sub(last) < layer.UpdateInterval() {
				continue
			}
			if len(inst.subscribers[layer.Channel]) == 0 {
				inst.lastUpdate[layer.Channel] = now
				continue
			}
			payload, err := inst.Object.MarshalChannel(layer.Channel)
			if err != nil {
				e.log.Warn().
					Str("object_id", inst.ID.String()).
					Uint8("channel", layer.Channel).
					Err(err).
					Msg("channel serialization failed")
				continue
			}
			targets := make([]types.PlayerID, 0, len(inst.subscribers[layer.Channel]))
			for p := range inst.subscribers[layer.Channel] {
				targets = append(targets, p)
			}
			inst.lastUpdate[layer.Channel] = now
			update := Update{
				ObjectID:    inst.ID,
				ObjectType:  typeName,
				Channel:     layer.Channel,
				Data:        payload,
				Priority:    layer.Priority,
				Timestamp:   now.UnixMilli(),
				Compression: layer.Compression,
			}
			inst.mu.Unlock()
			e.Enqueue(targets, update)
			inst.mu.Lock()
		}
		inst.mu.Unlock()
	}
}

// Tick drains queues into batches and flushes due batches for every player.
func (e *Engine) Tick(now time.Time) {
	type outgoing struct {
		player types.PlayerID
		batch  Batch
	}
	var toSend []outgoing

	e.mu.Lock()
	for _, state := range e.players {
		// Flush an open batch that hit its size or age trigger.
		if state.batchDue(e.cfg.MaxBatchSize, e.cfg.MaxBatchAge, now) {
			if updates := state.finishBatch(); len(updates) > 0 {
				toSend = append(toSend, outgoing{state.player, e.makeBatch(state.player, updates, now)})
			}
		}

		// Fill from the queue while bandwidth permits.
		for state.queue.len() > 0 {
			if !state.hasBandwidth(e.cfg.EstimatedUpdateSize, e.cfg.MaxBandwidthPerPlayer, now) {
				break
			}
			u, ok := state.queue.pop()
			if !ok {
				break
			}
			if !state.batchOpen {
				state.startBatch(now)
			}
			state.batch = append(state.batch, u)
			state.consumeBandwidth(e.cfg.EstimatedUpdateSize)
			if len(state.batch) >= e.cfg.MaxBatchSize {
				if updates := state.finishBatch(); len(updates) > 0 {
					toSend = append(toSend, outgoing{state.player, e.makeBatch(state.player, updates, now)})
				}
			}
		}
	}
	e.mu.Unlock()

	for _, out := range toSend {
		e.sendBatch(out.player, out.batch)
	}
}

// Flush force-finalizes a player's open batch and sends everything queued,
// subject to bandwidth.
func (e *Engine) Flush(player types.PlayerID, now time.Time) {
	var batches []Batch
	e.mu.Lock()
	state, ok := e.players[player]
	if ok {
		for state.queue.len() > 0 && state.hasBandwidth(e.cfg.EstimatedUpdateSize, e.cfg.MaxBandwidthPerPlayer, now) {
			u, popped := state.queue.pop()
			if !popped {
				break
			}
			if !state.batchOpen {
				state.startBatch(now)
			}
			state.batch = append(state.batch, u)
			state.consumeBandwidth(e.cfg.EstimatedUpdateSize)
		}
		if updates := state.finishBatch(); len(updates) > 0 {
			batches = append(batches, e.makeBatch(player, updates, now))
		}
	}
	e.mu.Unlock()
	for _, b := range batches {
		e.sendBatch(player, b)
	}
}

func (e *Engine) makeBatch(player types.PlayerID, updates []Update, now time.Time) Batch {
	prio := PriorityLow
	for _, u := range updates {
		if u.Priority < prio {
			prio = u.Priority
		}
	}
	return Batch{
		BatchID:      e.batchID.Add(1),
		TargetPlayer: player,
		Updates:      updates,
		Priority:     prio,
		Timestamp:    now.UnixMilli(),
	}
}

func (e *Engine) sendBatch(player types.PlayerID, batch Batch) {
	data, err := json.Marshal(batch)
	if err != nil {
		e.log.Error().Str("player", player.String()).Err(err).Msg("batch serialization failed")
		return
	}
	final := data
	if e.cfg.CompressionEnabled && len(data) > e.cfg.CompressionThreshold {
		if compressed, err := deflateFast(data); err == nil && len(compressed) < len(data) {
			final = compressed
		}
	}

	breaker := e.breakers.Get(player.String())
	if err := e.transport.SendToPlayer(player, final); err != nil {
		e.sendErrors.Add(1)
		breaker.RecordFailure()
		e.log.Warn().Str("player", player.String()).Err(err).Msg("batch transmission failed")
		return
	}
	breaker.RecordSuccess()

	e.batchesSent.Add(1)
	e.updatesSent.Add(uint64(len(batch.Updates)))
	e.bytesSent.Add(uint64(len(final)))

	e.mu.Lock()
	if state, ok := e.players[player]; ok {
		state.updatesSent += uint64(len(batch.Updates))
		state.consumeBandwidth(len(final))
		state.remember(batch.BatchID, final)
	}
	e.mu.Unlock()
}

// Replay retransmits the retained batches with ids in [from, to] to the
// player. Batches that aged out of the history ring are silently absent; the
// return value is how many were resent.
func (e *Engine) Replay(player types.PlayerID, from, to uint32) (int, error) {
	e.mu.Lock()
	state, ok := e.players[player]
	var frames [][]byte
	if ok {
		frames = state.replayRange(from, to)
	}
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("player %s has no replication state", player)
	}

	sent := 0
	for _, frame := range frames {
		if err := e.transport.SendToPlayer(player, frame); err != nil {
			e.sendErrors.Add(1)
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// deflateFast compresses with Deflate at the fast setting.
func deflateFast(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	active := len(e.players)
	e.mu.Unlock()
	return EngineStats{
		UpdatesSent:      e.updatesSent.Load(),
		UpdatesDropped:   e.updatesDropped.Load(),
		BatchesSent:      e.batchesSent.Load(),
		BytesTransmitted: e.bytesSent.Load(),
		TransportErrors:  e.sendErrors.Load(),
		ActivePlayers:    active,
	}
}

// Breakers exposes the per-player circuit breakers for the health report.
func (e *Engine) Breakers() *health.BreakerSet { return e.breakers }
