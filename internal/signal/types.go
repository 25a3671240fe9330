// Package signal turns inbound trade alerts into typed commands for the
// position engine, dropping malformed, stale and duplicate alerts.
package signal

import (
	"fmt"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/types"
)

// Intent is what an alert's comment asks for.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

// Signal is one parsed alert. It is never mutated after parsing.
type Signal struct {
	Ticker     string     `json:"ticker"`
	Side       types.Side `json:"side"`
	Price      float64    `json:"price"`
	Qty        int        `json:"qty"`
	Comment    string     `json:"comment"`
	Timestamp  time.Time  `json:"timestamp"`
	Intent     Intent     `json:"intent"`
	Volatility float64    `json:"volatility,omitempty"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	Received   time.Time  `json:"received"`
}

// CommandKind tags the variant carried by a Command.
type CommandKind string

const (
	KindOpenEntry CommandKind = "OPEN_ENTRY"
	KindCloseExit CommandKind = "CLOSE_EXIT"
	KindReverse   CommandKind = "REVERSE"
)

// Command is a validated instruction for the position engine. CloseExit uses
// only Instrument; OpenEntry and Reverse use every field.
type Command struct {
	Kind          CommandKind `json:"kind"`
	Instrument    string      `json:"instrument"`
	Side          types.Side  `json:"side,omitempty"`
	Qty           int         `json:"qty,omitempty"`
	Price         float64     `json:"price,omitempty"`
	TriggerOffset float64     `json:"trigger_offset,omitempty"`
	TickSize      float64     `json:"tick_size,omitempty"`
	StopLoss      float64     `json:"stop_loss,omitempty"`
	SignalTime    time.Time   `json:"signal_time"`
	AcceptedAt    time.Time   `json:"accepted_at"`
}

func (c Command) String() string {
	if c.Kind == KindCloseExit {
		return fmt.Sprintf("%s %s", c.Kind, c.Instrument)
	}
	return fmt.Sprintf("%s %s %s x%d @ %.2f offset=%.4f", c.Kind, c.Instrument, c.Side, c.Qty, c.Price, c.TriggerOffset)
}

// Reason classifies a rejected signal.
type Reason string

const (
	ReasonSchemaInvalid Reason = "SchemaInvalid"
	ReasonStale         Reason = "Stale"
	ReasonDuplicate     Reason = "Duplicate"
)

// Rejection is returned as an error when a signal is dropped.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
