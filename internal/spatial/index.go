// Package spatial tracks player positions in a 3-D R-tree and answers radius
// queries for the replication engine.
package spatial

import (
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/nimbusgames/nimbus/internal/types"
)

// entryTolerance is the edge length of the degenerate rectangle a point entry
// occupies in the tree.
const entryTolerance = 1e-9

type entry struct {
	player types.PlayerID
	pos    types.Position
	rect   rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

func newEntry(player types.PlayerID, pos types.Position) *entry {
	p := rtreego.Point{pos.X, pos.Y, pos.Z}
	return &entry{player: player, pos: pos, rect: p.ToRect(entryTolerance)}
}

// Result is one player returned by a query.
type Result struct {
	Player   types.PlayerID
	Position types.Position
	Distance float64
}

// Query describes a filtered radius query.
type Query struct {
	Center types.Position
	Radius float64

	// Include restricts results to these players when non-nil.
	Include map[types.PlayerID]struct{}
	// Exclude removes these players from results.
	Exclude map[types.PlayerID]struct{}
	// MinDistance drops results closer than this to the center.
	MinDistance float64
	// MaxResults caps the result count when > 0. Results are unordered, so
	// the cap is arbitrary-subset semantics.
	MaxResults int
}

// Index is the spatial index. One entry per player; all methods are safe for
// concurrent use. Mutations hold a single exclusive lock; operations are
// short.
type Index struct {
	mu      sync.Mutex
	tree    *rtreego.Rtree
	entries map[types.PlayerID]*entry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		tree:    rtreego.NewTree(3, 25, 50),
		entries: map[types.PlayerID]*entry{},
	}
}

// Upsert inserts the player or moves it to a new position.
func (i *Index) Upsert(player types.PlayerID, pos types.Position) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if old, ok := i.entries[player]; ok {
		i.tree.Delete(old)
	}
	e := newEntry(player, pos)
	i.tree.Insert(e)
	i.entries[player] = e
}

// Remove deletes the player's entry. Reports whether it existed.
func (i *Index) Remove(player types.PlayerID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[player]
	if !ok {
		return false
	}
	i.tree.Delete(e)
	delete(i.entries, player)
	return true
}

// Position returns the player's stored position.
func (i *Index) Position(player types.PlayerID) (types.Position, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[player]
	if !ok {
		return types.Position{}, false
	}
	return e.pos, true
}

// Len returns the number of tracked players.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// QueryRadius returns every player within radius of center. The boundary is
// closed: a player at exactly the radius is included. Results are unordered.
func (i *Index) QueryRadius(center types.Position, radius float64) []Result {
	return i.Query(Query{Center: center, Radius: radius})
}

// Query executes a filtered radius query.
func (i *Index) Query(q Query) []Result {
	i.mu.Lock()
	defer i.mu.Unlock()

	// The tree prunes by bounding box; exact Euclidean distance is checked
	// per candidate below.
	p := rtreego.Point{
		q.Center.X - q.Radius,
		q.Center.Y - q.Radius,
		q.Center.Z - q.Radius,
	}
	box, err := rtreego.NewRect(p, []float64{2 * q.Radius, 2 * q.Radius, 2 * q.Radius})
	if err != nil {
		return nil
	}
	candidates := i.tree.SearchIntersect(box)

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		e := c.(*entry)
		if q.Include != nil {
			if _, ok := q.Include[e.player]; !ok {
				continue
			}
		}
		if q.Exclude != nil {
			if _, ok := q.Exclude[e.player]; ok {
				continue
			}
		}
		d := q.Center.Distance(e.pos)
		if d > q.Radius {
			continue
		}
		if q.MinDistance > 0 && d < q.MinDistance {
			continue
		}
		results = append(results, Result{Player: e.player, Position: e.pos, Distance: d})
		if q.MaxResults > 0 && len(results) >= q.MaxResults {
			break
		}
	}
	return results
}
