// Package types holds the identifier and geometry types shared by every
// subsystem of the server.
package types

import (
	"math"

	"github.com/google/uuid"
)

// PlayerID is a globally unique, value-comparable player identifier.
type PlayerID uuid.UUID

// NewPlayerID returns a fresh random player id.
func NewPlayerID() PlayerID { return PlayerID(uuid.New()) }

// ParsePlayerID parses the canonical UUID form.
func ParsePlayerID(s string) (PlayerID, error) {
	u, err := uuid.Parse(s)
	return PlayerID(u), err
}

func (p PlayerID) String() string { return uuid.UUID(p).String() }

// IsZero reports whether the id is the zero value.
func (p PlayerID) IsZero() bool { return p == PlayerID(uuid.Nil) }

// MarshalText implements encoding.TextMarshaler so player ids serialize as
// canonical UUID strings in JSON payloads and map keys.
func (p PlayerID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PlayerID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*p = PlayerID(u)
	return nil
}

// ObjectID identifies a registered replicated object.
type ObjectID uuid.UUID

// NewObjectID returns a fresh random object id.
func NewObjectID() ObjectID { return ObjectID(uuid.New()) }

// ParseObjectID parses the canonical UUID form.
func ParseObjectID(s string) (ObjectID, error) {
	u, err := uuid.Parse(s)
	return ObjectID(u), err
}

func (o ObjectID) String() string { return uuid.UUID(o).String() }

// Less provides a total order over object ids. Lock acquisition across
// multiple objects follows this order.
func (o ObjectID) Less(other ObjectID) bool {
	a, b := uuid.UUID(o), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (o ObjectID) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *ObjectID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*o = ObjectID(u)
	return nil
}

// ConnectionID is a server-local monotonic connection identifier. IDs are
// never reused within a process lifetime.
type ConnectionID int64

// Position is a point in the single world coordinate frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the Euclidean distance to other.
func (p Position) Distance(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// DistanceSquared avoids the sqrt for comparisons.
func (p Position) DistanceSquared(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return dx*dx + dy*dy + dz*dz
}

// AuthStatus tracks where a connection is in the authentication flow.
type AuthStatus int

const (
	AuthUnauthenticated AuthStatus = iota
	AuthAuthenticating
	AuthAuthenticated
	AuthFailed
)

func (s AuthStatus) String() string {
	switch s {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthAuthenticating:
		return "authenticating"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RegionBounds is the axis-aligned box this server instance simulates.
type RegionBounds struct {
	MinX float64 `yaml:"min_x" json:"min_x"`
	MaxX float64 `yaml:"max_x" json:"max_x"`
	MinY float64 `yaml:"min_y" json:"min_y"`
	MaxY float64 `yaml:"max_y" json:"max_y"`
	MinZ float64 `yaml:"min_z" json:"min_z"`
	MaxZ float64 `yaml:"max_z" json:"max_z"`
}

// Contains reports whether the position lies inside the bounds (inclusive).
func (b RegionBounds) Contains(p Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX &&
		p.Y >= b.MinY && p.Y <= b.MaxY &&
		p.Z >= b.MinZ && p.Z <= b.MaxZ
}
