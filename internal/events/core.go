package events

import (
	"encoding/json"

	"github.com/nimbusgames/nimbus/internal/types"
)

// Core infrastructure event payloads. These are the built-in events the
// server itself emits; plugins consume them through typed handlers.

// PlayerConnectedEvent is emitted on core:player_connected after a client
// completes the transport handshake.
type PlayerConnectedEvent struct {
	PlayerID     types.PlayerID     `json:"player_id"`
	ConnectionID types.ConnectionID `json:"connection_id"`
	RemoteAddr   string             `json:"remote_addr"`
	Timestamp    int64              `json:"timestamp"`
}

// PlayerDisconnectedEvent is emitted on core:player_disconnected when the
// connection ends for any reason.
type PlayerDisconnectedEvent struct {
	PlayerID     types.PlayerID     `json:"player_id"`
	ConnectionID types.ConnectionID `json:"connection_id"`
	Reason       string             `json:"reason"`
	Timestamp    int64              `json:"timestamp"`
}

// PluginLoadedEvent is emitted on core:plugin_loaded once a plugin finishes
// initialization.
type PluginLoadedEvent struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// RawClientMessageEvent carries an inbound client envelope to plugin
// handlers. Emitted on client:<namespace>:<event> and, when the payload names
// an instance, on gorc_instance keys as well.
type RawClientMessageEvent struct {
	PlayerID     types.PlayerID     `json:"player_id"`
	ConnectionID types.ConnectionID `json:"connection_id"`
	Namespace    string             `json:"namespace"`
	Event        string             `json:"event"`
	Data         json.RawMessage    `json:"data"`
	Timestamp    int64              `json:"timestamp"`
}

// GorcInstanceEvent carries an instance-scoped replication event payload.
type GorcInstanceEvent struct {
	ObjectID   types.ObjectID  `json:"object_id"`
	ObjectType string          `json:"object_type"`
	Channel    uint8           `json:"channel"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}
