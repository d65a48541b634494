package gorc

import (
	"encoding/json"
	"time"

	"github.com/nimbusgames/nimbus/internal/types"
)

// Update is one pending replication update for a single player's queue.
type Update struct {
	ObjectID    types.ObjectID  `json:"object_id"`
	ObjectType  string          `json:"object_type"`
	Channel     uint8           `json:"channel"`
	Data        json.RawMessage `json:"data"`
	Priority    Priority        `json:"priority"`
	Sequence    uint32          `json:"sequence"`
	Timestamp   int64           `json:"timestamp"`
	Compression Compression     `json:"compression"`
}

// priorityQueue is a four-slot bounded queue. Full slots drop their oldest
// entry. Drain order is Critical, High, Normal, Low; FIFO within a slot.
type priorityQueue struct {
	slots   [4][]Update
	caps    [4]int
	total   int
	dropped uint64
}

// QueueCapacities bounds each priority slot.
type QueueCapacities struct {
	Critical int
	High     int
	Normal   int
	Low      int
}

// DefaultQueueCapacities mirrors the channel tiering: the critical slot is
// deepest because dropping there hurts most.
func DefaultQueueCapacities() QueueCapacities {
	return QueueCapacities{Critical: 1000, High: 500, Normal: 250, Low: 100}
}

func newPriorityQueue(caps QueueCapacities) *priorityQueue {
	q := &priorityQueue{}
	q.caps[PriorityCritical] = caps.Critical
	q.caps[PriorityHigh] = caps.High
	q.caps[PriorityNormal] = caps.Normal
	q.caps[PriorityLow] = caps.Low
	for i, c := range q.caps {
		if c <= 0 {
			q.caps[i] = 1
		}
	}
	return q
}

// push appends to the slot for the update's priority, dropping the slot's
// oldest entry when full. Reports whether an entry was dropped.
func (q *priorityQueue) push(u Update) bool {
	p := u.Priority
	if p < PriorityCritical || p > PriorityLow {
		p = PriorityLow
	}
	slot := q.slots[p]
	droppedOld := false
	if len(slot) >= q.caps[p] {
		slot = slot[1:]
		q.total--
		q.dropped++
		droppedOld = true
	}
	q.slots[p] = append(slot, u)
	q.total++
	return droppedOld
}

// pop removes the highest-priority oldest update.
func (q *priorityQueue) pop() (Update, bool) {
	for p := PriorityCritical; p <= PriorityLow; p++ {
		if len(q.slots[p]) > 0 {
			u := q.slots[p][0]
			q.slots[p] = q.slots[p][1:]
			q.total--
			return u, true
		}
	}
	return Update{}, false
}

func (q *priorityQueue) len() int { return q.total }

// historyDepth bounds the per-player sent-batch ring used for replay.
const historyDepth = 64

// sentBatch is one transmitted batch kept for gap recovery.
type sentBatch struct {
	id   uint32
	data []byte
}

// playerState is the per-player replication state. It is owned by the engine
// and only touched under the engine's lock.
type playerState struct {
	player types.PlayerID
	queue  *priorityQueue

	batch      []Update
	batchOpen  bool
	batchStart time.Time

	bytesThisSecond int
	bandwidthReset  time.Time

	sequence uint32

	// history is a ring of recently transmitted batches, newest last.
	history []sentBatch

	updatesSent    uint64
	updatesDropped uint64
	bytesSent      uint64
}

func newPlayerState(player types.PlayerID, caps QueueCapacities) *playerState {
	return &playerState{
		player:         player,
		queue:          newPriorityQueue(caps),
		bandwidthReset: time.Now(),
	}
}

// nextSequence returns the player's next monotonic update sequence.
func (s *playerState) nextSequence() uint32 {
	s.sequence++
	return s.sequence
}

// hasBandwidth reports whether bytesNeeded fits in this second's budget,
// resetting the window when a wall-clock second has elapsed.
func (s *playerState) hasBandwidth(bytesNeeded, maxPerSecond int, now time.Time) bool {
	if now.Sub(s.bandwidthReset) >= time.Second {
		s.bytesThisSecond = 0
		s.bandwidthReset = now
	}
	return s.bytesThisSecond+bytesNeeded <= maxPerSecond
}

func (s *playerState) consumeBandwidth(bytes int) {
	s.bytesThisSecond += bytes
	s.bytesSent += uint64(bytes)
}

func (s *playerState) startBatch(now time.Time) {
	s.batch = s.batch[:0]
	s.batchOpen = true
	s.batchStart = now
}

// finishBatch closes the open batch and returns its updates.
func (s *playerState) finishBatch() []Update {
	if !s.batchOpen {
		return nil
	}
	out := make([]Update, len(s.batch))
	copy(out, s.batch)
	s.batch = s.batch[:0]
	s.batchOpen = false
	return out
}

// remember records a transmitted batch in the replay ring.
func (s *playerState) remember(id uint32, data []byte) {
	if len(s.history) >= historyDepth {
		s.history = s.history[1:]
	}
	s.history = append(s.history, sentBatch{id: id, data: data})
}

// replayRange returns the retained batches with ids in [from, to].
func (s *playerState) replayRange(from, to uint32) [][]byte {
	var out [][]byte
	for _, b := range s.history {
		if b.id >= from && b.id <= to {
			out = append(out, b.data)
		}
	}
	return out
}

// batchDue reports whether the open batch hit the size or age trigger.
func (s *playerState) batchDue(maxSize int, maxAge time.Duration, now time.Time) bool {
	if !s.batchOpen {
		return false
	}
	if len(s.batch) >= maxSize {
		return true
	}
	return now.Sub(s.batchStart) >= maxAge
}
