// Package bridge mirrors selected bus events onto NATS subjects for
// operational tooling.
package bridge

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/events"
)

// subjectPrefix namespaces mirrored events on the broker.
const subjectPrefix = "nimbus.events."

// Bridge republishes bus envelopes to NATS. It is a one-way mirror: nothing
// is consumed back into the server.
type Bridge struct {
	log       zerolog.Logger
	nc        *nats.Conn
	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials the broker with bounded reconnect behavior.
func Connect(log zerolog.Logger, url string) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		log: log.With().Str("component", "bridge").Logger(),
		nc:  nc,
	}
	b.log.Info().Str("url", url).Msg("event bridge connected")
	return b, nil
}

// Attach registers a raw mirror handler on the bus for each key. Attach does
// no pattern matching: registration is per key, so callers pass the concrete
// keys to mirror.
func (b *Bridge) Attach(bus *events.Bus, keys []events.Key) {
	for _, key := range keys {
		k := key
		handler := &events.RawHandler{
			Name: "bridge:" + k.String(),
			Fn: func(_ context.Context, data *events.Data) error {
				b.publish(k, data)
				return nil
			},
		}
		if err := bus.Register(k, handler); err != nil {
			b.log.Warn().Str("key", k.String()).Err(err).Msg("bridge handler registration failed")
		}
	}
}

func (b *Bridge) publish(key events.Key, data *events.Data) {
	subject := subjectPrefix + strings.ReplaceAll(key.String(), ":", ".")
	if err := b.nc.Publish(subject, data.Payload); err != nil {
		b.failed.Add(1)
		b.log.Debug().Str("subject", subject).Err(err).Msg("bridge publish failed")
		return
	}
	b.published.Add(1)
}

// Stats returns publish counters.
func (b *Bridge) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// Close flushes and closes the broker connection.
func (b *Bridge) Close() {
	if b.nc != nil {
		_ = b.nc.Flush()
		b.nc.Close()
	}
}
