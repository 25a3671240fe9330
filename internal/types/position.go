package types

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell and the long/short synonyms some alert sources send.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", raw)
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) IsLong() bool { return s == SideBuy }

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// PositionState tags the lifecycle stage of a position.
type PositionState string

const (
	StateFlat         PositionState = "FLAT"
	StateEntryPending PositionState = "ENTRY_PENDING"
	StateArmed        PositionState = "ARMED_WAITING_TRIGGER"
	StateTrailing     PositionState = "TRAILING"
	StateExitPending  PositionState = "EXIT_PENDING"
)

// ExpectsTrigger reports whether a trigger price must exist in this state.
func (s PositionState) ExpectsTrigger() bool {
	return s == StateArmed || s == StateTrailing
}

// PositionView is the read-only projection of a position shared with the
// interpreter and the trigger evaluator.
type PositionView struct {
	Instrument   string        `json:"instrument"`
	LifecycleID  string        `json:"lifecycle_id"`
	State        PositionState `json:"state"`
	Side         Side          `json:"side"`
	Qty          int           `json:"qty"`
	EntryPrice   float64       `json:"entry_price"`
	TriggerPrice *float64      `json:"trigger_price,omitempty"`
	Unreconciled bool          `json:"unreconciled,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Open reports whether the view describes a live, non-flat position.
func (v PositionView) Open() bool {
	return v.State != "" && v.State != StateFlat
}
