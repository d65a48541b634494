// Package plugins hosts dynamically loaded plugins: shared-object loading
// with ABI verification, panic-isolated lifecycle, and handler registration
// through the event bus.
package plugins

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/types"
)

// Plugin is the lifecycle contract a plugin implements.
//
// A shared-object plugin is built with `go build -buildmode=plugin` and must
// export two symbols:
//
//	var NimbusPluginVersion string            // the ABI string, "<core>:<go>"
//	func NimbusNewPlugin() plugins.Plugin     // the factory; nil on failure
//
// Release is GC-managed; Shutdown is the teardown hook.
type Plugin interface {
	// Name identifies the plugin; it keys the plugin table.
	Name() string

	// Version is the plugin's own version string, for diagnostics.
	Version() string

	// PreInit registers event handlers against the bus. No I/O here.
	PreInit(ctx context.Context, host *Context) error

	// Init receives the full host context and may start background work.
	Init(ctx context.Context, host *Context) error

	// Shutdown releases resources. Bounded by the host's lifecycle timeout.
	Shutdown(ctx context.Context, host *Context) error
}

// VersionSymbol is the exported symbol carrying the plugin's ABI string.
const VersionSymbol = "NimbusPluginVersion"

// FactorySymbol is the exported symbol resolving to the plugin factory.
const FactorySymbol = "NimbusNewPlugin"

// Factory constructs a plugin instance. In-process plugins register a
// Factory directly; shared objects export one under FactorySymbol.
type Factory func() Plugin

// Sender is the message-delivery surface exposed to plugins.
type Sender interface {
	SendToPlayer(player types.PlayerID, data []byte) error
	Broadcast(data []byte) int
}

// ConnectionControl is the connection-management surface exposed to plugins
// that arbitrate sessions (authentication, moderation).
type ConnectionControl interface {
	SetAuthStatusByPlayer(player types.PlayerID, status types.AuthStatus) error
	KickPlayer(player types.PlayerID, reason string) error
}

// Context is the service façade handed to plugins. It is shared and
// immutable after construction; plugin code never sees the concrete server
// type. Handlers should capture the bus or the specific service they need,
// not the whole context.
type Context struct {
	Bus         *events.Bus
	Sender      Sender
	Connections ConnectionControl
	Log         zerolog.Logger
	RegionID    string
	Instances   *gorc.Manager
	Engine      *gorc.Engine
	Groups      *gorc.GroupManager
}

// Events returns the event bus handle.
func (c *Context) Events() *events.Bus { return c.Bus }

// SendToPlayer delivers bytes to one player's connection, best effort.
func (c *Context) SendToPlayer(player types.PlayerID, data []byte) error {
	return c.Sender.SendToPlayer(player, data)
}

// Broadcast delivers bytes to every connection and returns the count.
func (c *Context) Broadcast(data []byte) int {
	return c.Sender.Broadcast(data)
}

// Logger returns a logger scoped to the plugin name.
func (c *Context) Logger(plugin string) zerolog.Logger {
	return c.Log.With().Str("plugin", plugin).Logger()
}
