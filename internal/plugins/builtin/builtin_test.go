package builtin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/plugins"
	"github.com/nimbusgames/nimbus/internal/spatial"
	"github.com/nimbusgames/nimbus/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Send(data []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close(string) {}

func (s *recordingSink) decoded(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

type fixture struct {
	mgr    *plugins.Manager
	host   *plugins.Context
	conns  *connection.Manager
	sink   *recordingSink
	player types.PlayerID
	connID types.ConnectionID
}

func newFixture(t *testing.T, factories ...plugins.Factory) *fixture {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	conns := connection.NewManager(log)
	gorcMgr := gorc.NewManager(log, spatial.NewIndex(), nil)
	engine := gorc.NewEngine(log, gorc.DefaultEngineConfig(), gorcMgr,
		gorc.TransportFunc(conns.SendToPlayer), bus)

	host := &plugins.Context{
		Bus:         bus,
		Sender:      conns,
		Connections: conns,
		Log:         log,
		Instances:   gorcMgr,
		Engine:      engine,
	}
	mgr := plugins.NewManager(log, plugins.ManagerConfig{}, host)
	for _, f := range factories {
		require.NoError(t, mgr.RegisterFactory(f))
	}
	mgr.InitializeAll(context.Background())

	sink := &recordingSink{}
	connID := conns.Add("10.0.0.1:1111", sink)
	player := types.NewPlayerID()
	conns.AssignPlayer(connID, player)
	engine.AddPlayer(player)

	return &fixture{mgr: mgr, host: host, conns: conns, sink: sink, player: player, connID: connID}
}

func (f *fixture) emitClient(t *testing.T, namespace, event string, data string) {
	t.Helper()
	err := f.host.Bus.Emit(context.Background(), events.ClientKey(namespace, event),
		events.RawClientMessageEvent{
			PlayerID:     f.player,
			ConnectionID: f.connID,
			Namespace:    namespace,
			Event:        event,
			Data:         json.RawMessage(data),
		})
	require.NoError(t, err)
}

func TestAuthLoginSuccess(t *testing.T) {
	f := newFixture(t, NewAuth())

	var authed events.Key = events.CoreKey("player_authenticated")
	fired := false
	require.NoError(t, events.On(f.host.Bus, authed,
		func(_ context.Context, ev PlayerAuthenticatedEvent) error {
			fired = true
			assert.Equal(t, f.player, ev.PlayerID)
			return nil
		}))

	f.emitClient(t, "auth", "login", `{"token":"valid-token"}`)

	conn, ok := f.conns.Get(f.connID)
	require.True(t, ok)
	assert.Equal(t, types.AuthAuthenticated, conn.AuthStatus())
	assert.True(t, fired)

	replies := f.sink.decoded(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "auth_result", replies[0]["type"])
	assert.Equal(t, "authenticated", replies[0]["status"])
}

func TestAuthLoginEmptyTokenFails(t *testing.T) {
	f := newFixture(t, NewAuth())
	f.emitClient(t, "auth", "login", `{"token":""}`)

	conn, _ := f.conns.Get(f.connID)
	assert.Equal(t, types.AuthFailed, conn.AuthStatus())

	replies := f.sink.decoded(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "failed", replies[0]["status"])
}

func TestHeartbeatAnswersPong(t *testing.T) {
	f := newFixture(t, NewSystem())
	f.emitClient(t, "system", "heartbeat", `{}`)

	replies := f.sink.decoded(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "pong", replies[0]["type"])
	assert.NotZero(t, replies[0]["ts"])
}

func TestReplayRequestBadRange(t *testing.T) {
	f := newFixture(t, NewReplay())
	f.emitClient(t, "gorc", "replay", `{"from":10,"to":2}`)

	replies := f.sink.decoded(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "error", replies[0]["type"])
	assert.Equal(t, "BAD_REPLAY_REQUEST", replies[0]["code"])
}

func TestReplayRequestEmptyHistory(t *testing.T) {
	f := newFixture(t, NewReplay())
	f.emitClient(t, "gorc", "replay", `{"from":1,"to":5}`)

	replies := f.sink.decoded(t)
	require.Len(t, replies, 1)
	assert.Equal(t, "replay_result", replies[0]["type"])
	assert.Equal(t, float64(0), replies[0]["resent"])
}
