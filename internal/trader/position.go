package trader

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// RefStatus is the engine's view of one order.
type RefStatus string

const (
	RefSubmitting  RefStatus = "SUBMITTING"
	RefWorking     RefStatus = "WORKING"
	RefReconciling RefStatus = "RECONCILING"
	RefFilled      RefStatus = "FILLED"
	RefCancelled   RefStatus = "CANCELLED"
	RefFailed      RefStatus = "FAILED"
)

func (s RefStatus) terminal() bool {
	return s == RefFilled || s == RefCancelled || s == RefFailed
}

// OrderRef ties a client tag to the broker order it produced.
type OrderRef struct {
	Tag             string                `json:"tag"`
	OrderID         string                `json:"order_id,omitempty"`
	Status          RefStatus             `json:"status"`
	Request         exchange.OrderRequest `json:"request"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
}

func (r *OrderRef) live() bool { return r != nil && !r.Status.terminal() }

func (r *OrderRef) purpose() exchange.OrderPurpose { return r.Request.Purpose }

// Position is the lifecycle record of one instrument. It is owned by the
// actor goroutine and never shared; readers get a types.PositionView.
type Position struct {
	Instrument    string              `json:"instrument"`
	LifecycleID   string              `json:"lifecycle_id"`
	State         types.PositionState `json:"state"`
	Side          types.Side          `json:"side"`
	Qty           int                 `json:"qty"`
	EntryPrice    float64             `json:"entry_price"`
	TickSize      float64             `json:"tick_size"`
	TriggerOffset float64             `json:"trigger_offset"`
	TriggerPrice  *float64            `json:"trigger_price,omitempty"`
	StopLoss      float64             `json:"stop_loss,omitempty"`
	// ArmedTrigger keeps the last trigger level for the journal after
	// TriggerPrice is cleared on exit.
	ArmedTrigger float64 `json:"armed_trigger,omitempty"`

	Entry      *OrderRef `json:"entry,omitempty"`
	Stop       *OrderRef `json:"stop,omitempty"`
	StaticStop *OrderRef `json:"static_stop,omitempty"`
	Exit       *OrderRef `json:"exit,omitempty"`
	// Retiring holds orders from a superseded leg or lifecycle that are
	// still being cancelled or closed at the broker.
	Retiring map[string]*OrderRef `json:"retiring,omitempty"`
	// ExitDone is set once nothing of this lifecycle is held at the broker
	// apart from what Retiring still resolves.
	ExitDone bool `json:"exit_done,omitempty"`

	Unreconciled bool      `json:"unreconciled,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastSignalAt time.Time `json:"last_signal_at"`
	LastCloseAt  time.Time `json:"last_close_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p *Position) EntryOrderID() string      { return refOrderID(p.Entry) }
func (p *Position) StopOrderID() string       { return refOrderID(p.Stop) }
func (p *Position) StaticStopOrderID() string { return refOrderID(p.StaticStop) }
func (p *Position) ExitOrderID() string       { return refOrderID(p.Exit) }

func refOrderID(r *OrderRef) string {
	if r == nil {
		return ""
	}
	return r.OrderID
}

// View projects the position for concurrent readers.
func (p *Position) View() types.PositionView {
	v := types.PositionView{
		Instrument:   p.Instrument,
		LifecycleID:  p.LifecycleID,
		State:        p.State,
		Side:         p.Side,
		Qty:          p.Qty,
		EntryPrice:   p.EntryPrice,
		Unreconciled: p.Unreconciled,
		LastError:    p.LastError,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.TriggerPrice != nil {
		tp := *p.TriggerPrice
		v.TriggerPrice = &tp
	}
	return v
}

// refs returns every order slot plus retiring orders.
func (p *Position) refs() []*OrderRef {
	out := make([]*OrderRef, 0, 4+len(p.Retiring))
	for _, r := range []*OrderRef{p.Entry, p.Stop, p.StaticStop, p.Exit} {
		if r != nil {
			out = append(out, r)
		}
	}
	for _, r := range p.Retiring {
		out = append(out, r)
	}
	return out
}

// findRef matches by tag first; the broker id is only a fallback for
// updates that carry no tag.
func (p *Position) findRef(tag, orderID string) *OrderRef {
	refs := p.refs()
	if tag != "" {
		for _, r := range refs {
			if r.Tag == tag {
				return r
			}
		}
	}
	if orderID != "" {
		for _, r := range refs {
			if r.OrderID == orderID {
				return r
			}
		}
	}
	return nil
}

func (p *Position) retiring(r *OrderRef) bool {
	if r == nil || p.Retiring == nil {
		return false
	}
	_, ok := p.Retiring[r.Tag]
	return ok
}

// retire moves a live slot order into Retiring.
func (p *Position) retire(r *OrderRef) {
	if !r.live() {
		return
	}
	if p.Retiring == nil {
		p.Retiring = make(map[string]*OrderRef)
	}
	p.Retiring[r.Tag] = r
}

func (p *Position) release(r *OrderRef) {
	delete(p.Retiring, r.Tag)
	if len(p.Retiring) == 0 {
		p.Retiring = nil
	}
}

// beginExit moves the position to EXIT_PENDING. The trigger is no longer
// evaluated from here on, so only the audit copy survives.
func (p *Position) beginExit() {
	if p.TriggerPrice != nil {
		p.ArmedTrigger = *p.TriggerPrice
		p.TriggerPrice = nil
	}
	p.State = types.StateExitPending
}

func (p *Position) markUnreconciled(format string, args ...any) {
	p.Unreconciled = true
	p.LastError = fmt.Sprintf(format, args...)
}

// validate checks the trigger invariant before a position is committed.
func (p *Position) validate() error {
	if p.State.ExpectsTrigger() && p.TriggerPrice == nil {
		return fmt.Errorf("%s in %s without trigger price", p.Instrument, p.State)
	}
	if !p.State.ExpectsTrigger() && p.TriggerPrice != nil {
		return fmt.Errorf("%s in %s with trigger price", p.Instrument, p.State)
	}
	return nil
}

// Marshal serializes the position for the snapshot store.
func (p *Position) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPosition restores a position written by Marshal.
func UnmarshalPosition(raw []byte) (*Position, error) {
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	if p.Instrument == "" {
		return nil, fmt.Errorf("decode position: missing instrument")
	}
	return &p, nil
}
