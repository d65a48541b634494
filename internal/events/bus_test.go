package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingEvent struct {
	Value int `json:"value"`
}

type otherEvent struct {
	Name string `json:"name"`
}

func testBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestKeyStrings(t *testing.T) {
	assert.Equal(t, "core:player_connected", CoreKey("player_connected").String())
	assert.Equal(t, "client:movement:move_request", ClientKey("movement", "move_request").String())
	assert.Equal(t, "plugin:chat:message", PluginKey("chat", "message").String())
	assert.Equal(t, "gorc:Asteroid:2:position_update", GorcKey("Asteroid", 2, "position_update").String())
	assert.Equal(t, "gorc_instance:Ship:0:health", GorcInstanceKey("Ship", 0, "health").String())
}

func TestParseKeyRoundTrip(t *testing.T) {
	keys := []Key{
		CoreKey("tick"),
		ClientKey("chat", "send"),
		PluginKey("combat", "hit"),
		GorcKey("Ship", 3, "meta"),
		GorcInstanceKey("Ship", 1, "velocity"),
	}
	for _, k := range keys {
		parsed, err := ParseKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKey("nonsense")
	assert.Error(t, err)
	_, err = ParseKey("gorc:Ship:banana:meta")
	assert.Error(t, err)
}

func TestEmitInvokesAllHandlersForExactKey(t *testing.T) {
	bus := testBus()
	key := ClientKey("movement", "move")

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, On(bus, key, func(_ context.Context, e pingEvent) error {
			count.Add(1)
			return nil
		}))
	}
	// A handler on a different key must not fire.
	require.NoError(t, On(bus, ClientKey("movement", "stop"), func(_ context.Context, e pingEvent) error {
		count.Add(100)
		return nil
	}))

	require.NoError(t, bus.Emit(context.Background(), key, pingEvent{Value: 7}))
	assert.Equal(t, int32(5), count.Load())

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.EventsEmitted)
	assert.Equal(t, uint64(5), stats.EventsHandled)
	assert.Equal(t, 6, stats.TotalHandlers)
}

func TestEmitSharedPayload(t *testing.T) {
	bus := testBus()
	key := CoreKey("snapshot")

	var mu sync.Mutex
	var seen []int
	for i := 0; i < 3; i++ {
		require.NoError(t, On(bus, key, func(_ context.Context, e pingEvent) error {
			mu.Lock()
			seen = append(seen, e.Value)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, bus.Emit(context.Background(), key, pingEvent{Value: 42}))
	assert.Equal(t, []int{42, 42, 42}, seen)
}

func TestHandlerFailureDoesNotAbortPeers(t *testing.T) {
	bus := testBus()
	key := CoreKey("mixed")

	var succeeded atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error { return boom }))
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error {
		succeeded.Add(1)
		return nil
	}))

	err := bus.Emit(context.Background(), key, pingEvent{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, uint64(1), bus.Stats().HandlerFailures)
}

func TestTypeMismatchNeverInvokesHandlerBody(t *testing.T) {
	bus := testBus()
	key := CoreKey("typed")

	var invoked atomic.Bool
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error {
		invoked.Store(true)
		return nil
	}))

	err := bus.Emit(context.Background(), key, otherEvent{Name: "nope"})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, invoked.Load())
}

func TestNoHandlersIsNotAnError(t *testing.T) {
	bus := testBus()
	assert.NoError(t, bus.Emit(context.Background(), CoreKey("unheard"), pingEvent{}))
}

func TestRemoveHandlersByPattern(t *testing.T) {
	bus := testBus()
	require.NoError(t, On(bus, PluginKey("greeter", "hello"), func(context.Context, pingEvent) error { return nil }))
	require.NoError(t, On(bus, PluginKey("greeter", "bye"), func(context.Context, pingEvent) error { return nil }))
	require.NoError(t, On(bus, PluginKey("combat", "hit"), func(context.Context, pingEvent) error { return nil }))

	removed := bus.RemoveHandlers("greeter")
	assert.Equal(t, 2, removed)
	assert.False(t, bus.HasHandlers(PluginKey("greeter", "hello")))
	assert.True(t, bus.HasHandlers(PluginKey("combat", "hit")))
	assert.Equal(t, 1, bus.Stats().TotalHandlers)
}

func TestRegistrationOrderPreserved(t *testing.T) {
	bus := testBus()
	key := CoreKey("ordered")
	names := []string{"first", "second", "third", "fourth"}
	for _, name := range names {
		require.NoError(t, bus.Register(key, NewHandler(
			name, func(context.Context, pingEvent) error { return nil })))
	}
	v, ok := bus.handlers.Load(key)
	require.True(t, ok)
	entries := v.(*handlerList).snapshot()
	require.Len(t, entries, len(names))
	for i, e := range entries {
		assert.Equal(t, names[i], e.handler.HandlerName())
	}
}

func TestNamespacePropagator(t *testing.T) {
	bus := NewBusWithPropagator(zerolog.Nop(), NamespacePropagator{})
	key := ClientKey("chat", "send")

	var count atomic.Int32
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error {
		count.Add(1)
		return nil
	}))
	require.NoError(t, bus.Emit(context.Background(), key, pingEvent{}))
	assert.Equal(t, int32(1), count.Load())
}

func TestPropagatorTransform(t *testing.T) {
	p := FuncPropagator{
		Rewrite: func(data *Data, _ *PropagationContext) *Data {
			return data.WithMetadata("stamped", "yes")
		},
	}
	bus := NewBusWithPropagator(zerolog.Nop(), p)
	key := CoreKey("stamp")

	var sawStamp atomic.Bool
	require.NoError(t, bus.Register(key, &RawHandler{
		Name: "raw",
		Fn: func(_ context.Context, d *Data) error {
			if d.Metadata["stamped"] == "yes" {
				sawStamp.Store(true)
			}
			return nil
		},
	}))
	require.NoError(t, bus.Emit(context.Background(), key, pingEvent{}))
	assert.True(t, sawStamp.Load())
}

func TestShutdownGatesNewWork(t *testing.T) {
	bus := testBus()
	key := CoreKey("late")
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error { return nil }))

	bus.BeginShutdown()

	assert.ErrorIs(t, bus.Emit(context.Background(), key, pingEvent{}), ErrShuttingDown)
	assert.ErrorIs(t, bus.Register(key, NewHandler("h", func(context.Context, pingEvent) error { return nil })), ErrShuttingDown)
	assert.NoError(t, bus.Drain(context.Background()))
}

func TestConcurrentEmits(t *testing.T) {
	bus := testBus()
	key := CoreKey("storm")

	var count atomic.Int64
	require.NoError(t, On(bus, key, func(context.Context, pingEvent) error {
		count.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	const emits = 200
	for i := 0; i < emits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Emit(context.Background(), key, pingEvent{Value: 1})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(emits), count.Load())
}

func TestValidateFlagsExcessiveHandlers(t *testing.T) {
	bus := testBus()
	key := CoreKey("crowded")
	for i := 0; i < 101; i++ {
		require.NoError(t, On(bus, key, func(context.Context, pingEvent) error { return nil }))
	}
	issues := bus.Validate()
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "excessive")
}
