// Package builtin holds the plugins compiled into the server: session
// authentication, heartbeats and replication gap recovery. They run through
// the same lifecycle as shared-object plugins.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/plugins"
	"github.com/nimbusgames/nimbus/internal/types"
)

// PlayerAuthenticatedEvent is emitted on core:player_authenticated after a
// successful login.
type PlayerAuthenticatedEvent struct {
	PlayerID  types.PlayerID `json:"player_id"`
	Timestamp int64          `json:"timestamp"`
}

// NewAuth returns the factory for the authentication plugin.
func NewAuth() plugins.Factory {
	return func() plugins.Plugin { return &authPlugin{} }
}

type authPlugin struct{}

func (p *authPlugin) Name() string    { return "auth" }
func (p *authPlugin) Version() string { return "1.0.0" }

type loginRequest struct {
	Token string `json:"token"`
}

func (p *authPlugin) PreInit(_ context.Context, host *plugins.Context) error {
	return events.On(host.Bus, events.ClientKey("auth", "login"),
		func(ctx context.Context, ev events.RawClientMessageEvent) error {
			return p.handleLogin(ctx, host, ev)
		})
}

func (p *authPlugin) handleLogin(ctx context.Context, host *plugins.Context, ev events.RawClientMessageEvent) error {
	log := host.Logger(p.Name())

	var req loginRequest
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			log.Debug().Str("player", ev.PlayerID.String()).Err(err).Msg("unparseable login payload")
		}
	}

	if req.Token == "" {
		if err := host.Connections.SetAuthStatusByPlayer(ev.PlayerID, types.AuthFailed); err != nil &&
			!errors.Is(err, connection.ErrNotConnected) {
			return err
		}
		_ = host.SendToPlayer(ev.PlayerID, connection.MarshalAuthResult("failed", ""))
		log.Debug().Str("player", ev.PlayerID.String()).Msg("login rejected: empty token")
		return nil
	}

	if err := host.Connections.SetAuthStatusByPlayer(ev.PlayerID, types.AuthAuthenticated); err != nil {
		return err
	}
	_ = host.SendToPlayer(ev.PlayerID, connection.MarshalAuthResult("authenticated", ev.PlayerID.String()))

	return host.Bus.Emit(ctx, events.CoreKey("player_authenticated"), PlayerAuthenticatedEvent{
		PlayerID:  ev.PlayerID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *authPlugin) Init(_ context.Context, host *plugins.Context) error {
	log := host.Logger(p.Name())
	log.Info().Msg("authentication handler ready")
	return nil
}

func (p *authPlugin) Shutdown(context.Context, *plugins.Context) error { return nil }
