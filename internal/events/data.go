package events

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Data is the immutable envelope handed to handlers. The payload bytes are
// shared across all handlers of one emit; handlers must not mutate them.
type Data struct {
	// Payload is the JSON-encoded event value, serialized once per emit.
	Payload []byte

	// TypeName identifies the Go type the payload was encoded from. It is
	// compared against each handler's expected type before dispatch.
	TypeName string

	// Metadata carries small key/value annotations for propagators.
	Metadata map[string]string
}

// NewData serializes event into an envelope.
func NewData(event any) (*Data, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &Data{
		Payload:  payload,
		TypeName: TypeNameOf(event),
		Metadata: map[string]string{},
	}, nil
}

// WithMetadata returns a shallow copy carrying an extra metadata entry. The
// payload bytes are shared, not copied.
func (d *Data) WithMetadata(key, value string) *Data {
	md := make(map[string]string, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		md[k] = v
	}
	md[key] = value
	return &Data{Payload: d.Payload, TypeName: d.TypeName, Metadata: md}
}

// Decode unmarshals the payload into out.
func (d *Data) Decode(out any) error {
	if err := json.Unmarshal(d.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

// TypeNameOf returns the dispatch type tag for an event value. Pointer and
// value forms of the same type share a tag.
func TypeNameOf(event any) string {
	t := reflect.TypeOf(event)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// Handler is a registered event consumer. Handlers are shared across dispatch
// goroutines and must be safe for concurrent use.
type Handler interface {
	// HandlerName identifies the handler in logs and failure counters.
	HandlerName() string

	// ExpectedType is the type tag this handler accepts. Envelopes with a
	// different tag fail dispatch without invoking Handle.
	ExpectedType() string

	// Handle processes one envelope.
	Handle(ctx context.Context, data *Data) error
}

type typedHandler[T any] struct {
	name string
	fn   func(context.Context, T) error
}

// NewHandler wraps a typed function as a Handler. The envelope's type tag
// must match T exactly; on match the payload is decoded and fn invoked.
func NewHandler[T any](name string, fn func(context.Context, T) error) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

func (h *typedHandler[T]) HandlerName() string { return h.name }

func (h *typedHandler[T]) ExpectedType() string {
	var zero T
	return TypeNameOf(zero)
}

func (h *typedHandler[T]) Handle(ctx context.Context, data *Data) error {
	if data.TypeName != h.ExpectedType() {
		return fmt.Errorf("%w: handler %s expects %s, envelope carries %s",
			ErrTypeMismatch, h.name, h.ExpectedType(), data.TypeName)
	}
	var event T
	if err := data.Decode(&event); err != nil {
		return err
	}
	return h.fn(ctx, event)
}

// RawHandler adapts a function that wants the envelope itself, bypassing the
// typed decode. Used by the bridge.
type RawHandler struct {
	Name string
	Type string
	Fn   func(context.Context, *Data) error
}

func (h *RawHandler) HandlerName() string  { return h.Name }
func (h *RawHandler) ExpectedType() string { return h.Type }

func (h *RawHandler) Handle(ctx context.Context, data *Data) error {
	if h.Type != "" && h.Type != data.TypeName {
		return fmt.Errorf("%w: handler %s expects %s, envelope carries %s",
			ErrTypeMismatch, h.Name, h.Type, data.TypeName)
	}
	return h.Fn(ctx, data)
}
