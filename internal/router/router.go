// Package router parses inbound client envelopes and dispatches them on the
// event bus.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/security"
	"github.com/nimbusgames/nimbus/internal/types"
)

// ClientMessage is the inbound wire envelope. Extra fields are tolerated.
type ClientMessage struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// Router validates inbound frames and emits them as client events. Frames
// whose payload carries an instance_uuid are additionally emitted on the
// matching gorc_instance keys.
type Router struct {
	log       zerolog.Logger
	bus       *events.Bus
	conns     *connection.Manager
	instances *gorc.Manager
	valCfg    security.ValidationConfig

	// Optional counter hooks; the server points them at its metrics
	// collector.
	Dispatched func()
	Rejected   func(reason string)
}

// New creates a router. The counter hooks may be nil.
func New(log zerolog.Logger, bus *events.Bus, conns *connection.Manager, instances *gorc.Manager, valCfg security.ValidationConfig) *Router {
	return &Router{
		log:       log.With().Str("component", "router").Logger(),
		bus:       bus,
		conns:     conns,
		instances: instances,
		valCfg:    valCfg,
	}
}

// Dispatch handles one inbound text frame from a connection. Malformed or
// forbidden frames are dropped with an error describing why.
func (r *Router) Dispatch(ctx context.Context, connID types.ConnectionID, frame []byte) error {
	if err := security.ValidateMessage(frame, r.valCfg); err != nil {
		r.reject("validation")
		return fmt.Errorf("message validation: %w", err)
	}

	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.reject("parse")
		return fmt.Errorf("%w: %v", security.ErrMalformedMessage, err)
	}
	if err := security.ValidateIdentifier(msg.Namespace); err != nil {
		r.reject("namespace")
		return fmt.Errorf("namespace: %w", err)
	}
	if err := security.ValidateIdentifier(msg.Event); err != nil {
		r.reject("event")
		return fmt.Errorf("event: %w", err)
	}

	var playerID types.PlayerID
	if conn, ok := r.conns.Get(connID); ok {
		playerID = conn.PlayerID()
	}

	ev := events.RawClientMessageEvent{
		PlayerID:     playerID,
		ConnectionID: connID,
		Namespace:    msg.Namespace,
		Event:        msg.Event,
		Data:         msg.Data,
		Timestamp:    time.Now().UnixMilli(),
	}

	key := events.ClientKey(msg.Namespace, msg.Event)
	if err := r.bus.Emit(ctx, key, ev); err != nil {
		r.log.Debug().Str("key", key.String()).Err(err).Msg("client handlers reported errors")
	}

	r.routeInstance(ctx, msg, ev)

	if r.Dispatched != nil {
		r.Dispatched()
	}
	return nil
}

// routeInstance emits the envelope on gorc_instance keys when the payload
// names a registered instance.
func (r *Router) routeInstance(ctx context.Context, msg ClientMessage, ev events.RawClientMessageEvent) {
	if r.instances == nil || len(msg.Data) == 0 {
		return
	}
	var probe struct {
		InstanceUUID string `json:"instance_uuid"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil || probe.InstanceUUID == "" {
		return
	}
	objectID, err := types.ParseObjectID(probe.InstanceUUID)
	if err != nil {
		r.log.Debug().Str("instance_uuid", probe.InstanceUUID).Msg("unparseable instance uuid")
		return
	}
	inst, ok := r.instances.Object(objectID)
	if !ok {
		r.log.Debug().Str("object_id", objectID.String()).Msg("instance routing for unknown object")
		return
	}
	for _, layer := range inst.Layers() {
		key := events.GorcInstanceKey(inst.Object.TypeName(), layer.Channel, msg.Event)
		if err := r.bus.Emit(ctx, key, ev); err != nil {
			r.log.Debug().Str("key", key.String()).Err(err).Msg("instance handlers reported errors")
		}
	}
}

func (r *Router) reject(reason string) {
	if r.Rejected != nil {
		r.Rejected(reason)
	}
}
