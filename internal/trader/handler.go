package trader

// EventHandler processes one event type inside the actor loop.
type EventHandler interface {
	Type() EventType

	// Handle applies the event. traceID is the envelope id.
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives handlers access to the actor without exposing it to
// other packages.
type HandlerContext struct {
	trader *Trader
}

func NewHandlerContext(t *Trader) *HandlerContext {
	return &HandlerContext{trader: t}
}

func (c *HandlerContext) Trader() *Trader {
	return c.trader
}
