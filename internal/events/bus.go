package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrShuttingDown is returned by Register and Emit once shutdown has been
	// initiated at the bus edge.
	ErrShuttingDown = errors.New("event bus is shutting down")

	// ErrTypeMismatch marks a dispatch refused because the envelope's type
	// tag differs from the handler's expected type.
	ErrTypeMismatch = errors.New("event type mismatch")

	// ErrSerialization marks an envelope encode or decode failure.
	ErrSerialization = errors.New("event serialization failed")
)

// Stats is a snapshot of bus counters.
type Stats struct {
	EventsEmitted   uint64
	EventsHandled   uint64
	HandlerFailures uint64
	TotalHandlers   int
}

type handlerEntry struct {
	key     Key
	handler Handler
}

type handlerList struct {
	mu      sync.RWMutex
	entries []handlerEntry
}

func (l *handlerList) snapshot() []handlerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]handlerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Bus is the typed event bus. Handler lookup is by exact Key; handlers for
// one emit run concurrently and Emit returns once all of them finished.
type Bus struct {
	handlers   sync.Map // Key -> *handlerList
	propagator Propagator
	log        zerolog.Logger

	emitted      atomic.Uint64
	handled      atomic.Uint64
	failures     atomic.Uint64
	handlerCount atomic.Int64

	shuttingDown atomic.Bool
	inflight     sync.WaitGroup

	// quietKeys suppresses the no-handlers trace log for known high-rate keys.
	quietMu   sync.RWMutex
	quietKeys map[Key]struct{}
}

// NewBus creates a bus with the exact-match propagator.
func NewBus(log zerolog.Logger) *Bus {
	return NewBusWithPropagator(log, ExactPropagator{})
}

// NewBusWithPropagator creates a bus with a custom propagator.
func NewBusWithPropagator(log zerolog.Logger, p Propagator) *Bus {
	return &Bus{
		propagator: p,
		log:        log.With().Str("component", "events").Logger(),
		quietKeys:  map[Key]struct{}{},
	}
}

// Register appends a handler to the key's list. Multiple handlers per key are
// supported; invocation order for one emit is registration order.
func (b *Bus) Register(key Key, handler Handler) error {
	if b.shuttingDown.Load() {
		return ErrShuttingDown
	}
	v, _ := b.handlers.LoadOrStore(key, &handlerList{})
	list := v.(*handlerList)
	list.mu.Lock()
	list.entries = append(list.entries, handlerEntry{key: key, handler: handler})
	list.mu.Unlock()
	b.handlerCount.Add(1)
	b.log.Debug().Str("key", key.String()).Str("handler", handler.HandlerName()).Msg("handler registered")
	return nil
}

// On registers a typed function handler, naming it after the key.
func On[T any](b *Bus, key Key, fn func(context.Context, T) error) error {
	return b.Register(key, NewHandler[T](key.String(), fn))
}

// Emit serializes event once, then fans it out to every handler registered
// for exactly key. Handlers run concurrently; failures are collected and
// joined but do not abort peers. Emit returns after all handlers completed.
func (b *Bus) Emit(ctx context.Context, key Key, event any) error {
	if b.shuttingDown.Load() {
		return ErrShuttingDown
	}
	b.inflight.Add(1)
	defer b.inflight.Done()

	data, err := NewData(event)
	if err != nil {
		return err
	}
	b.emitted.Add(1)

	v, ok := b.handlers.Load(key)
	if !ok {
		b.logNoHandlers(key)
		return nil
	}
	entries := v.(*handlerList).snapshot()
	if len(entries) == 0 {
		b.logNoHandlers(key)
		return nil
	}

	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		pctx := &PropagationContext{
			EmittedKey:    key,
			RegisteredKey: entry.key,
			Metadata:      data.Metadata,
		}
		if !b.propagator.ShouldPropagate(pctx) {
			continue
		}
		delivered := data
		if t := b.propagator.Transform(data, pctx); t != nil {
			delivered = t
		}
		wg.Add(1)
		go func(i int, h Handler, d *Data) {
			defer wg.Done()
			if err := h.Handle(ctx, d); err != nil {
				b.failures.Add(1)
				b.log.Warn().
					Str("key", key.String()).
					Str("handler", h.HandlerName()).
					Err(err).
					Msg("handler failed")
				errs[i] = err
				return
			}
			b.handled.Add(1)
		}(i, entry.handler, delivered)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RemoveHandlers removes every handler whose key string contains pattern and
// returns the number removed.
func (b *Bus) RemoveHandlers(pattern string) int {
	removed := 0
	b.handlers.Range(func(k, v any) bool {
		key := k.(Key)
		if !strings.Contains(key.String(), pattern) {
			return true
		}
		list := v.(*handlerList)
		list.mu.Lock()
		removed += len(list.entries)
		list.entries = nil
		list.mu.Unlock()
		b.handlers.Delete(k)
		return true
	})
	if removed > 0 {
		b.handlerCount.Add(int64(-removed))
		b.log.Info().Str("pattern", pattern).Int("removed", removed).Msg("handlers removed")
	}
	return removed
}

// HandlerCount returns the number of handlers registered for key.
func (b *Bus) HandlerCount(key Key) int {
	v, ok := b.handlers.Load(key)
	if !ok {
		return 0
	}
	list := v.(*handlerList)
	list.mu.RLock()
	defer list.mu.RUnlock()
	return len(list.entries)
}

// HasHandlers reports whether any handler is registered for key.
func (b *Bus) HasHandlers(key Key) bool { return b.HandlerCount(key) > 0 }

// RegisteredKeys returns the diagnostic string of every key with handlers.
func (b *Bus) RegisteredKeys() []string {
	var keys []string
	b.handlers.Range(func(k, v any) bool {
		list := v.(*handlerList)
		list.mu.RLock()
		n := len(list.entries)
		list.mu.RUnlock()
		if n > 0 {
			keys = append(keys, k.(Key).String())
		}
		return true
	})
	return keys
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsEmitted:   b.emitted.Load(),
		EventsHandled:   b.handled.Load(),
		HandlerFailures: b.failures.Load(),
		TotalHandlers:   int(b.handlerCount.Load()),
	}
}

// Validate reports configuration concerns: keys with empty handler lists and
// keys with an excessive number of handlers.
func (b *Bus) Validate() []string {
	var issues []string
	b.handlers.Range(func(k, v any) bool {
		key := k.(Key)
		list := v.(*handlerList)
		list.mu.RLock()
		n := len(list.entries)
		list.mu.RUnlock()
		if n == 0 {
			issues = append(issues, "event key '"+key.String()+"' has no handlers")
		}
		if n > 100 {
			issues = append(issues, "event key '"+key.String()+"' has excessive handlers")
		}
		return true
	})
	return issues
}

// Quiet suppresses the no-handlers trace log for a known high-rate key.
func (b *Bus) Quiet(key Key) {
	b.quietMu.Lock()
	b.quietKeys[key] = struct{}{}
	b.quietMu.Unlock()
}

func (b *Bus) logNoHandlers(key Key) {
	b.quietMu.RLock()
	_, quiet := b.quietKeys[key]
	b.quietMu.RUnlock()
	if !quiet {
		b.log.Trace().Str("key", key.String()).Msg("no handlers for event")
	}
}

// BeginShutdown stops new registrations and emits. In-flight emits complete.
func (b *Bus) BeginShutdown() {
	b.shuttingDown.Store(true)
}

// Drain blocks until all in-flight emits that began before BeginShutdown have
// returned, or ctx expires.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
