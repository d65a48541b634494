package events

// PropagationContext is what a propagator sees for one (handler, event) pair.
type PropagationContext struct {
	// EmittedKey is the key the event was emitted under.
	EmittedKey Key
	// RegisteredKey is the key the candidate handler was registered under.
	RegisteredKey Key
	// Metadata mirrors the envelope's metadata.
	Metadata map[string]string
}

// Propagator decides, per handler, whether an emitted event is delivered and
// may rewrite the envelope on the way through.
type Propagator interface {
	// ShouldPropagate reports whether the handler receives the event.
	ShouldPropagate(ctx *PropagationContext) bool

	// Transform may return a replacement envelope. Returning nil keeps the
	// original.
	Transform(data *Data, ctx *PropagationContext) *Data
}

// ExactPropagator delivers only when the registered key equals the emitted
// key. This is the bus default; since handler lookup is already by exact key,
// it accepts everything that reaches it.
type ExactPropagator struct{}

func (ExactPropagator) ShouldPropagate(ctx *PropagationContext) bool {
	return ctx.RegisteredKey == ctx.EmittedKey
}

func (ExactPropagator) Transform(*Data, *PropagationContext) *Data { return nil }

// NamespacePropagator accepts any event whose namespace and category match the
// registered key, regardless of event name or channel.
type NamespacePropagator struct{}

func (NamespacePropagator) ShouldPropagate(ctx *PropagationContext) bool {
	return ctx.RegisteredKey.Namespace == ctx.EmittedKey.Namespace &&
		ctx.RegisteredKey.Category == ctx.EmittedKey.Category
}

func (NamespacePropagator) Transform(*Data, *PropagationContext) *Data { return nil }

// FuncPropagator builds a propagator from plain functions, for custom filters
// (spatial propagators inspect envelope metadata this way).
type FuncPropagator struct {
	Accept  func(ctx *PropagationContext) bool
	Rewrite func(data *Data, ctx *PropagationContext) *Data
}

func (p FuncPropagator) ShouldPropagate(ctx *PropagationContext) bool {
	if p.Accept == nil {
		return true
	}
	return p.Accept(ctx)
}

func (p FuncPropagator) Transform(data *Data, ctx *PropagationContext) *Data {
	if p.Rewrite == nil {
		return nil
	}
	return p.Rewrite(data, ctx)
}
