// Package trigger computes volatility-offset trigger levels and detects
// when ticks cross them.
package trigger

import (
	"fmt"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/types"

	"github.com/shopspring/decimal"
)

// Tick is a single trade print for an instrument.
type Tick struct {
	Instrument string
	Price      float64
	At         time.Time
}

// TriggerHit reports that a tick reached the armed trigger of a position.
type TriggerHit struct {
	Instrument   string     `json:"instrument"`
	LifecycleID  string     `json:"lifecycle_id"`
	Side         types.Side `json:"side"`
	Price        float64    `json:"price"`
	TriggerPrice float64    `json:"trigger_price"`
	At           time.Time  `json:"at"`
}

// SnapToTick rounds a price to the nearest tick multiple, half ticks upward.
func SnapToTick(price, tick float64) float64 {
	return snapAwayFrom(price, tick, price)
}

// Offset returns volatility * multiplier.
func Offset(volatility, multiplier float64) float64 {
	return decToFloat(decFromFloat(volatility).Mul(decFromFloat(multiplier)))
}

// Price returns the trigger level for an entry: entry + offset for longs,
// entry - offset for shorts, snapped to tick with ties away from entry.
func Price(side types.Side, entry, offset, tick float64) float64 {
	e := decFromFloat(entry)
	o := decFromFloat(offset)
	var raw decimal.Decimal
	if side.IsLong() {
		raw = e.Add(o)
	} else {
		raw = e.Sub(o)
	}
	return snapAwayFrom(decToFloat(raw), tick, entry)
}

// TrailLevel returns the trailing-stop price placed when the trigger fires:
// one tick tighter than the trigger offset, trailing behind the hit price.
func TrailLevel(side types.Side, hitPrice, offset, tick float64) float64 {
	dist := decFromFloat(offset).Sub(decFromFloat(tick))
	if dist.Cmp(decFromFloat(tick)) < 0 {
		dist = decFromFloat(tick)
	}
	h := decFromFloat(hitPrice)
	if side.IsLong() {
		return snapAwayFrom(decToFloat(h.Sub(dist)), tick, hitPrice)
	}
	return snapAwayFrom(decToFloat(h.Add(dist)), tick, hitPrice)
}

// Crossed reports whether price has reached the trigger for side.
func Crossed(side types.Side, price, triggerPrice float64) bool {
	if price <= 0 || triggerPrice <= 0 {
		return false
	}
	if side.IsLong() {
		return decimalGTE(price, triggerPrice)
	}
	return decimalLTE(price, triggerPrice)
}

// Evaluate fires when pos is armed and tick has reached its trigger. It keeps
// no history; the state machine leaving the armed state makes it fire once.
func Evaluate(pos types.PositionView, tick Tick) (TriggerHit, bool) {
	if pos.State != types.StateArmed || pos.TriggerPrice == nil {
		return TriggerHit{}, false
	}
	if tick.Instrument != "" && pos.Instrument != "" && tick.Instrument != pos.Instrument {
		return TriggerHit{}, false
	}
	if !Crossed(pos.Side, tick.Price, *pos.TriggerPrice) {
		return TriggerHit{}, false
	}
	return TriggerHit{
		Instrument:   pos.Instrument,
		LifecycleID:  pos.LifecycleID,
		Side:         pos.Side,
		Price:        tick.Price,
		TriggerPrice: *pos.TriggerPrice,
		At:           tick.At,
	}, true
}

// PositionReader exposes the current projection of a position.
type PositionReader interface {
	PositionView(instrument string) (types.PositionView, bool)
}

// HitSink receives trigger hits, normally the position actor's queue.
type HitSink interface {
	SubmitTrigger(hit TriggerHit) error
}

// Evaluator adapts the tick stream onto Evaluate.
type Evaluator struct {
	positions PositionReader
	sink      HitSink
}

func NewEvaluator(positions PositionReader, sink HitSink) *Evaluator {
	return &Evaluator{positions: positions, sink: sink}
}

// OnTick evaluates one tick against the instrument's position.
func (e *Evaluator) OnTick(instrument string, price float64, at time.Time) {
	if e == nil || e.positions == nil || e.sink == nil {
		return
	}
	pos, ok := e.positions.PositionView(instrument)
	if !ok {
		return
	}
	hit, fired := Evaluate(pos, Tick{Instrument: instrument, Price: price, At: at})
	if !fired {
		return
	}
	logger.Infof("Trigger hit %s: price=%s trigger=%s lifecycle=%s",
		instrument, formatPrice(price), formatPrice(hit.TriggerPrice), hit.LifecycleID)
	if err := e.sink.SubmitTrigger(hit); err != nil {
		logger.Warnf("Trigger hit for %s not delivered: %v", instrument, err)
	}
}

func formatPrice(p float64) string {
	return fmt.Sprintf("%.2f", p)
}
