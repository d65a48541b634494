package builtin

import (
	"context"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/plugins"
)

// NewSystem returns the factory for the system plugin, which answers
// application-level heartbeats from clients whose stacks cannot use
// transport pings.
func NewSystem() plugins.Factory {
	return func() plugins.Plugin { return &systemPlugin{} }
}

type systemPlugin struct{}

func (p *systemPlugin) Name() string    { return "system" }
func (p *systemPlugin) Version() string { return "1.0.0" }

func (p *systemPlugin) PreInit(_ context.Context, host *plugins.Context) error {
	return events.On(host.Bus, events.ClientKey("system", "heartbeat"),
		func(_ context.Context, ev events.RawClientMessageEvent) error {
			return host.SendToPlayer(ev.PlayerID, connection.MarshalPong())
		})
}

func (p *systemPlugin) Init(context.Context, *plugins.Context) error     { return nil }
func (p *systemPlugin) Shutdown(context.Context, *plugins.Context) error { return nil }
