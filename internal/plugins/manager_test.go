package plugins

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/types"
)

type nullSender struct{}

func (nullSender) SendToPlayer(types.PlayerID, []byte) error { return nil }
func (nullSender) Broadcast([]byte) int                      { return 0 }

func testContext() *Context {
	return &Context{
		Bus:    events.NewBus(zerolog.Nop()),
		Sender: nullSender{},
		Log:    zerolog.Nop(),
	}
}

// fakePlugin records lifecycle calls and can be told to misbehave.
type fakePlugin struct {
	mu           sync.Mutex
	name         string
	calls        []string
	panicOn      string
	registerKeys []events.Key
	blockOn      string
}

func (p *fakePlugin) record(phase string) {
	p.mu.Lock()
	p.calls = append(p.calls, phase)
	p.mu.Unlock()
}

func (p *fakePlugin) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlugin) Name() string    { return p.name }
func (p *fakePlugin) Version() string { return "1.0.0" }

func (p *fakePlugin) PreInit(_ context.Context, host *Context) error {
	p.record("pre_init")
	if p.panicOn == "pre_init" {
		panic("pre_init exploded")
	}
	for _, key := range p.registerKeys {
		if err := host.Bus.Register(key, &events.RawHandler{
			Name: p.name + ":" + key.String(),
			Fn:   func(context.Context, *events.Data) error { return nil },
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePlugin) Init(ctx context.Context, _ *Context) error {
	p.record("init")
	if p.panicOn == "init" {
		panic("init exploded")
	}
	if p.blockOn == "init" {
		<-ctx.Done()
	}
	return nil
}

func (p *fakePlugin) Shutdown(context.Context, *Context) error {
	p.record("shutdown")
	if p.panicOn == "shutdown" {
		panic("shutdown exploded")
	}
	return nil
}

func newTestManagerWith(cfg ManagerConfig) (*Manager, *Context) {
	host := testContext()
	return NewManager(zerolog.Nop(), cfg, host), host
}

func TestLifecycleHappyPath(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	p := &fakePlugin{name: "greeter"}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return p }))

	mgr.InitializeAll(context.Background())
	assert.Equal(t, []string{"pre_init", "init"}, p.callLog())

	infos := mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "greeter", infos[0].Name)
	assert.Equal(t, "running", infos[0].State)

	mgr.ShutdownAll(context.Background())
	assert.Equal(t, []string{"pre_init", "init", "shutdown"}, p.callLog())
}

func TestDuplicateNameRejected(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return &fakePlugin{name: "dup"} }))
	assert.Error(t, mgr.RegisterFactory(func() Plugin { return &fakePlugin{name: "dup"} }))
	assert.Equal(t, 1, mgr.Count())
}

func TestNilFactoryRejected(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	assert.Error(t, mgr.RegisterFactory(func() Plugin { return nil }))
	assert.Equal(t, 0, mgr.Count())
}

func TestFactoryPanicIsIsolated(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	err := mgr.RegisterFactory(func() Plugin { panic("constructor exploded") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin panic")
	assert.Equal(t, 0, mgr.Count())
}

func TestPanicInPreInitMarksFailed(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	p := &fakePlugin{name: "bad", panicOn: "pre_init"}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return p }))

	mgr.InitializeAll(context.Background())
	infos := mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "failed", infos[0].State)
	assert.NotContains(t, p.callLog(), "init", "init never runs after a pre_init failure")
}

func TestFailedInitWithdrawsHandlers(t *testing.T) {
	mgr, host := newTestManagerWith(ManagerConfig{UnregisterOnFailure: true})
	key := events.PluginKey("bad", "ping")
	p := &fakePlugin{name: "bad", panicOn: "init", registerKeys: []events.Key{key}}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return p }))

	mgr.InitializeAll(context.Background())
	assert.False(t, host.Bus.HasHandlers(key), "failed plugin's handlers are withdrawn")
}

func TestFailedInitKeepsHandlersWhenConfigured(t *testing.T) {
	mgr, host := newTestManagerWith(ManagerConfig{UnregisterOnFailure: false})
	key := events.PluginKey("bad", "ping")
	p := &fakePlugin{name: "bad", panicOn: "init", registerKeys: []events.Key{key}}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return p }))

	mgr.InitializeAll(context.Background())
	assert.True(t, host.Bus.HasHandlers(key))
}

func TestFailedPluginDoesNotStopOthers(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	bad := &fakePlugin{name: "bad", panicOn: "init"}
	good := &fakePlugin{name: "good"}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return bad }))
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return good }))

	mgr.InitializeAll(context.Background())

	states := map[string]string{}
	for _, info := range mgr.List() {
		states[info.Name] = info.State
	}
	assert.Equal(t, "failed", states["bad"])
	assert.Equal(t, "running", states["good"])
}

func TestShutdownReverseOrder(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{})
	var order []string
	var mu sync.Mutex
	mk := func(name string) *trackingPlugin {
		return &trackingPlugin{name: name, onShutdown: func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}
	}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return mk("first") }))
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return mk("second") }))
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return mk("third") }))

	mgr.InitializeAll(context.Background())
	mgr.ShutdownAll(context.Background())
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestLifecycleTimeout(t *testing.T) {
	mgr, _ := newTestManagerWith(ManagerConfig{LifecycleTimeout: 30 * time.Millisecond})
	p := &fakePlugin{name: "slow", blockOn: "init"}
	require.NoError(t, mgr.RegisterFactory(func() Plugin { return p }))

	start := time.Now()
	mgr.InitializeAll(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second, "timeout bounds the call")

	infos := mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "failed", infos[0].State)
}

// trackingPlugin is a minimal plugin whose shutdown order is observable.
type trackingPlugin struct {
	name       string
	onShutdown func()
}

func (p *trackingPlugin) Name() string                            { return p.name }
func (p *trackingPlugin) Version() string                         { return "0.0.1" }
func (p *trackingPlugin) PreInit(context.Context, *Context) error { return nil }
func (p *trackingPlugin) Init(context.Context, *Context) error    { return nil }
func (p *trackingPlugin) Shutdown(context.Context, *Context) error {
	if p.onShutdown != nil {
		p.onShutdown()
	}
	return nil
}
