package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusgames/nimbus/internal/config"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/health"
	"github.com/nimbusgames/nimbus/internal/plugins"
	"github.com/nimbusgames/nimbus/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(config.Default(), zerolog.Nop())
	require.NoError(t, err)
	return srv
}

func TestNewWiresSubsystems(t *testing.T) {
	srv := newTestServer(t)
	assert.NotNil(t, srv.Bus())
	assert.NotNil(t, srv.Plugins())
	assert.NotNil(t, srv.Gorc())
	assert.NotNil(t, srv.Engine())
	assert.NotNil(t, srv.Connections())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, 0, report.ActiveConnections)
}

func TestReadyFlipsOnShutdown(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, rec.Code)

	srv.shutdown.Initiate()
	rec = httptest.NewRecorder()
	srv.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestMetricsEndpointRendersCollector(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "nimbus_connections")
	assert.Contains(t, rec.Body.String(), "nimbus_gorc_objects")
}

func TestShutdownStateTwoPhase(t *testing.T) {
	s := NewShutdownState()
	assert.False(t, s.Initiated())
	assert.False(t, s.Completed())
	s.Initiate()
	assert.True(t, s.Initiated())
	assert.False(t, s.Completed())
	s.Complete()
	assert.True(t, s.Completed())
}

func TestInProcessPluginRegistration(t *testing.T) {
	srv := newTestServer(t)
	p := &probePlugin{}
	require.NoError(t, srv.Plugins().RegisterFactory(func() plugins.Plugin { return p }))
	srv.Plugins().InitializeAll(context.Background())

	assert.True(t, srv.Bus().HasHandlers(events.ClientKey("probe", "ping")))

	// The registered handler fires through the normal emit path.
	err := srv.Bus().Emit(context.Background(), events.ClientKey("probe", "ping"),
		events.RawClientMessageEvent{Namespace: "probe", Event: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.hits)
}

// probePlugin registers one client handler.
type probePlugin struct {
	hits int
}

func (p *probePlugin) Name() string    { return "probe" }
func (p *probePlugin) Version() string { return "0.0.1" }

func (p *probePlugin) PreInit(_ context.Context, host *plugins.Context) error {
	return events.On(host.Bus, events.ClientKey("probe", "ping"),
		func(context.Context, events.RawClientMessageEvent) error {
			p.hits++
			return nil
		})
}

func (p *probePlugin) Init(context.Context, *plugins.Context) error     { return nil }
func (p *probePlugin) Shutdown(context.Context, *plugins.Context) error { return nil }

func TestZoneEventsFlowToConnectedPlayers(t *testing.T) {
	srv := newTestServer(t)

	sink := &captureSink{}
	connID := srv.Connections().Add("10.0.0.1:1234", sink)
	player := types.NewPlayerID()
	srv.Connections().AssignPlayer(connID, player)
	srv.Engine().AddPlayer(player)

	srv.Gorc().UpdatePlayerPosition(player, types.Position{X: 5})
	srv.Gorc().RegisterObject(stubObject{}, types.Position{})

	require.Len(t, sink.frames, 1)
	var zone gorc.ZoneEvent
	require.NoError(t, json.Unmarshal(sink.frames[0], &zone))
	assert.Equal(t, gorc.ZoneEnter, zone.Type)
	assert.Equal(t, "Stub", zone.ObjectType)
}

type captureSink struct{ frames [][]byte }

func (c *captureSink) Send(data []byte) error { c.frames = append(c.frames, data); return nil }
func (c *captureSink) Close(string)           {}

type stubObject struct{}

func (stubObject) TypeName() string { return "Stub" }
func (stubObject) Layers() gorc.Layers {
	return gorc.Layers{gorc.NewLayer(0, 25, 30, gorc.CompressionNone)}
}
func (stubObject) MarshalChannel(uint8) ([]byte, error) { return []byte(`{}`), nil }
