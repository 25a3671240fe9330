package trader

import "github.com/thomasdunn15/trading-bot/internal/logger"

// HandlerRegistry maps event types to handlers.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register adds h, replacing any handler for the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&CommandHandler{})
	r.Register(&TriggerHitHandler{})
	r.Register(&OrderResultHandler{})
	r.Register(&OrderUpdateHandler{})
	r.Register(&ManualResolveHandler{})
	logger.Debugf("Trader: Registered %d event handlers", len(r.handlers))
}
