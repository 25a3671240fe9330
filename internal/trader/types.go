package trader

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
)

// ErrStopped is returned by Send once Stop has begun.
var ErrStopped = errors.New("trader is stopped")

// EventType names the messages the actor accepts.
type EventType string

const (
	// EvtCommand carries an interpreted signal.Command.
	EvtCommand EventType = "COMMAND"
	// EvtTriggerHit carries a trigger.TriggerHit from the evaluator.
	EvtTriggerHit EventType = "TRIGGER_HIT"
	// EvtOrderResult reports the outcome of an async submit or cancel.
	EvtOrderResult EventType = "ORDER_RESULT"
	// EvtOrderUpdate carries a broker fill/cancel notification.
	EvtOrderUpdate EventType = "ORDER_UPDATE"
	// EvtManualResolve flattens a position after an operator has reconciled it at the broker.
	EvtManualResolve EventType = "MANUAL_RESOLVE"
)

// EventEnvelope is the standard message delivered to the actor.
type EventEnvelope struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Instrument string          `json:"instrument,omitempty"`

	// ReplyCh receives the handler error for synchronous callers.
	ReplyCh chan error `json:"-"`
}

// CommandPayload wraps a command for the journal.
type CommandPayload struct {
	Command signal.Command `json:"command"`
}

// TriggerHitPayload wraps an evaluator hit.
type TriggerHitPayload struct {
	Hit trigger.TriggerHit `json:"hit"`
}

type orderAction string

const (
	actionSubmit orderAction = "submit"
	actionCancel orderAction = "cancel"
)

// OrderResultPayload carries the result of an async gateway call.
type OrderResultPayload struct {
	Instrument  string      `json:"instrument"`
	LifecycleID string      `json:"lifecycle_id"`
	Tag         string      `json:"tag"`
	Action      orderAction `json:"action"`
	OrderID     string      `json:"order_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	TimedOut    bool        `json:"timed_out,omitempty"`
	Skipped     bool        `json:"skipped,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// OrderUpdatePayload wraps a gateway notification.
type OrderUpdatePayload struct {
	Update exchange.OrderUpdate `json:"update"`
}

// ManualResolvePayload names the instrument an operator has reconciled.
type ManualResolvePayload struct {
	Instrument string `json:"instrument"`
	Note       string `json:"note,omitempty"`
}

func shouldPersistEvent(t EventType) bool {
	switch t {
	case EvtCommand, EvtTriggerHit, EvtOrderResult, EvtOrderUpdate, EvtManualResolve:
		return true
	default:
		return false
	}
}
