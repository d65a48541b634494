package builtin

import (
	"context"
	"encoding/json"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/plugins"
)

// NewReplay returns the factory for the replication replay plugin. Clients
// that detect a gap in batch ids request retransmission instead of
// reconnecting:
//
//	{ "namespace": "gorc", "event": "replay", "data": { "from": 103, "to": 149 } }
func NewReplay() plugins.Factory {
	return func() plugins.Plugin { return &replayPlugin{} }
}

type replayPlugin struct{}

func (p *replayPlugin) Name() string    { return "replay" }
func (p *replayPlugin) Version() string { return "1.0.0" }

type replayRequest struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

func (p *replayPlugin) PreInit(_ context.Context, host *plugins.Context) error {
	return events.On(host.Bus, events.ClientKey("gorc", "replay"),
		func(_ context.Context, ev events.RawClientMessageEvent) error {
			log := host.Logger(p.Name())

			var req replayRequest
			if err := json.Unmarshal(ev.Data, &req); err != nil || req.To < req.From {
				_ = host.SendToPlayer(ev.PlayerID, connection.MarshalError(
					"BAD_REPLAY_REQUEST", "replay needs from <= to"))
				return nil
			}

			resent, err := host.Engine.Replay(ev.PlayerID, req.From, req.To)
			if err != nil {
				log.Debug().Str("player", ev.PlayerID.String()).Err(err).Msg("replay incomplete")
			}
			_ = host.SendToPlayer(ev.PlayerID, connection.MarshalReplayResult(resent, req.From, req.To))
			return nil
		})
}

func (p *replayPlugin) Init(context.Context, *plugins.Context) error     { return nil }
func (p *replayPlugin) Shutdown(context.Context, *plugins.Context) error { return nil }
