package trader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// ErrInconsistentState reports a command or event that does not fit the
// current position. It is never fatal.
var ErrInconsistentState = errors.New("inconsistent state")

func anomaly(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistentState, fmt.Sprintf(format, args...))
}

func (t *Trader) handleCommand(cmd signal.Command, traceID string) error {
	pos := t.positions[cmd.Instrument]
	logger.Infof("Trader: command %s (trace=%s)", cmd, traceID)
	switch cmd.Kind {
	case signal.KindOpenEntry:
		return t.openEntry(pos, cmd)
	case signal.KindCloseExit:
		return t.closeExit(pos, cmd)
	case signal.KindReverse:
		return t.reverse(pos, cmd)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (t *Trader) newPosition(cmd signal.Command) *Position {
	return &Position{
		Instrument:    cmd.Instrument,
		LifecycleID:   t.newID(),
		State:         types.StateEntryPending,
		Side:          cmd.Side,
		Qty:           cmd.Qty,
		EntryPrice:    trigger.SnapToTick(cmd.Price, cmd.TickSize),
		TickSize:      cmd.TickSize,
		TriggerOffset: cmd.TriggerOffset,
		StopLoss:      cmd.StopLoss,
		LastSignalAt:  cmd.SignalTime,
	}
}

func (t *Trader) newRef(pos *Position, purpose exchange.OrderPurpose, side types.Side, typ exchange.OrderType, qty int) *OrderRef {
	tag := fmt.Sprintf("%s-%s", strings.ReplaceAll(string(purpose), "_", "-"), t.newID())
	return &OrderRef{
		Tag:    tag,
		Status: RefSubmitting,
		Request: exchange.OrderRequest{
			Tag:        tag,
			Instrument: pos.Instrument,
			Purpose:    purpose,
			Side:       side,
			Type:       typ,
			Qty:        qty,
			TickSize:   pos.TickSize,
		},
	}
}

func (t *Trader) newEntry(pos *Position) *OrderRef {
	ref := t.newRef(pos, exchange.PurposeEntry, pos.Side, exchange.OrderLimit, pos.Qty)
	ref.Request.Price = pos.EntryPrice
	return ref
}

func (t *Trader) newMarketClose(pos *Position, side types.Side, qty int) *OrderRef {
	return t.newRef(pos, exchange.PurposeExit, side, exchange.OrderMarket, qty)
}

// cancelLive retires each live order and returns cancel steps for those that
// already have a broker id. The rest are cancelled once their id arrives.
func (t *Trader) cancelLive(pos *Position, refs ...*OrderRef) []step {
	var steps []step
	for _, ref := range refs {
		if !ref.live() || ref.CancelRequested {
			continue
		}
		pos.retire(ref)
		ref.CancelRequested = true
		if ref.OrderID != "" {
			steps = append(steps, cancelStep(ref))
		}
	}
	return steps
}

func (t *Trader) openEntry(pos *Position, cmd signal.Command) error {
	if pos != nil {
		return anomaly("%s OpenEntry %s while %s %s", cmd.Instrument, cmd.Side, pos.State, pos.Side)
	}
	pos = t.newPosition(cmd)
	pos.Entry = t.newEntry(pos)
	t.commit(pos)
	logger.Infof("Trader: %s ENTRY_PENDING %s x%d @ %.2f (lifecycle=%s)", pos.Instrument, pos.Side, pos.Qty, pos.EntryPrice, pos.LifecycleID)
	t.dispatch(pos, []step{submitStep(pos.Entry)})
	return nil
}

func (t *Trader) closeExit(pos *Position, cmd signal.Command) error {
	if pos == nil {
		return anomaly("%s CloseExit with no position", cmd.Instrument)
	}
	var steps []step
	switch pos.State {
	case types.StateEntryPending:
		// nothing held yet; a fill that races the cancel is flattened when reported
		steps = t.cancelLive(pos, pos.Entry)
		pos.ExitDone = true
	case types.StateArmed, types.StateTrailing:
		steps = t.cancelLive(pos, pos.Stop, pos.StaticStop)
		pos.Exit = t.newMarketClose(pos, pos.Side.Opposite(), pos.Qty)
		steps = append(steps, submitStep(pos.Exit))
	case types.StateExitPending:
		logger.Infof("Trader: %s CloseExit ignored, already exiting", pos.Instrument)
		return nil
	default:
		return anomaly("%s CloseExit in state %s", pos.Instrument, pos.State)
	}
	pos.beginExit()
	pos.LastSignalAt = cmd.SignalTime
	pos.LastCloseAt = t.now()
	logger.Infof("Trader: %s EXIT_PENDING (lifecycle=%s)", pos.Instrument, pos.LifecycleID)
	t.advance(pos)
	t.commit(pos)
	t.dispatch(pos, steps)
	return nil
}

// reverse closes whatever the position holds and opens the opposite side in
// one ordered dispatch: cancels, then the market close, then the new entry.
func (t *Trader) reverse(pos *Position, cmd signal.Command) error {
	if pos == nil {
		return anomaly("%s Reverse with no position", cmd.Instrument)
	}
	steps := t.cancelLive(pos, pos.Entry, pos.Stop, pos.StaticStop)
	if pos.Exit.live() {
		pos.retire(pos.Exit)
	}
	if pos.State == types.StateArmed || pos.State == types.StateTrailing {
		closeRef := t.newMarketClose(pos, pos.Side.Opposite(), pos.Qty)
		pos.retire(closeRef)
		steps = append(steps, submitStep(closeRef))
	}

	next := t.newPosition(cmd)
	next.Retiring = pos.Retiring
	next.Unreconciled = pos.Unreconciled
	next.LastError = pos.LastError
	next.LastCloseAt = t.now()
	next.Entry = t.newEntry(next)
	steps = append(steps, submitStep(next.Entry))

	logger.Infof("Trader: %s reverse %s -> %s x%d @ %.2f (lifecycle %s -> %s)",
		cmd.Instrument, pos.Side, next.Side, next.Qty, next.EntryPrice, pos.LifecycleID, next.LifecycleID)
	t.commit(next)
	t.dispatch(next, steps)
	return nil
}

func (t *Trader) handleTriggerHit(hit trigger.TriggerHit) error {
	pos := t.positions[hit.Instrument]
	if pos == nil || pos.State != types.StateArmed || pos.LifecycleID != hit.LifecycleID {
		logger.Debugf("Trader: trigger hit for %s dropped", hit.Instrument)
		return nil
	}
	level := trigger.TrailLevel(pos.Side, hit.Price, pos.TriggerOffset, pos.TickSize)
	stop := t.newRef(pos, exchange.PurposeTrailing, pos.Side.Opposite(), exchange.OrderTrailingStop, pos.Qty)
	stop.Request.TrailPrice = level
	pos.Stop = stop

	// the trailing stop goes in before the static stop comes out
	steps := []step{submitStep(stop)}
	steps = append(steps, t.cancelLive(pos, pos.StaticStop)...)
	pos.State = types.StateTrailing
	logger.Infof("Trader: %s TRAILING, hit %.2f trigger %.2f trail %.2f", pos.Instrument, hit.Price, hit.TriggerPrice, level)
	t.commit(pos)
	t.dispatch(pos, steps)
	return nil
}

func (t *Trader) handleOrderResult(res OrderResultPayload) error {
	pos := t.positions[res.Instrument]
	var ref *OrderRef
	if pos != nil {
		ref = pos.findRef(res.Tag, res.OrderID)
	}
	if ref == nil {
		logger.Debugf("Trader: %s result for unknown order %s", res.Action, res.Tag)
		return nil
	}

	var steps []step
	switch res.Action {
	case actionSubmit:
		switch {
		case res.TimedOut:
			if ref.Status == RefSubmitting {
				ref.Status = RefReconciling
			}
			logger.Warnf("Trader: %s submit %s timed out, reconciling on next poll", pos.Instrument, ref.Tag)
		case res.Error != "":
			if ref.Status.terminal() {
				break
			}
			ref.Status = RefFailed
			pos.markUnreconciled("%s submit failed: %s", ref.Tag, res.Error)
			logger.Errorf("Trader: %s %s submit failed, position needs manual reconciliation: %s", pos.Instrument, ref.purpose(), res.Error)
			if pos.retiring(ref) {
				pos.release(ref)
			}
		default:
			steps = t.assignOrderID(pos, ref, res.OrderID)
		}
	case actionCancel:
		if res.Error != "" {
			pos.LastError = fmt.Sprintf("cancel %s failed: %s", ref.Tag, res.Error)
			logger.Warnf("Trader: %s cancel %s failed, waiting for broker status: %s", pos.Instrument, ref.OrderID, res.Error)
			break
		}
		if !ref.Status.terminal() {
			ref.Status = RefCancelled
		}
		if pos.retiring(ref) {
			pos.release(ref)
		}
	}
	t.advance(pos)
	t.commit(pos)
	t.dispatch(pos, steps)
	return nil
}

// assignOrderID records a broker id and releases a cancel that was waiting
// for it.
func (t *Trader) assignOrderID(pos *Position, ref *OrderRef, orderID string) []step {
	if orderID == "" {
		return nil
	}
	hadID := ref.OrderID != ""
	ref.OrderID = orderID
	if ref.Status == RefSubmitting || ref.Status == RefReconciling {
		ref.Status = RefWorking
	}
	if !hadID && ref.CancelRequested && ref.live() {
		return []step{cancelStep(ref)}
	}
	return nil
}

func (t *Trader) handleOrderUpdate(upd exchange.OrderUpdate) error {
	pos, ref := t.locate(upd)
	if ref == nil {
		logger.Debugf("Trader: update %s for untracked order %s/%s", upd.Status, upd.OrderID, upd.Tag)
		return nil
	}

	var steps []step
	switch upd.Status {
	case exchange.StatusAccepted:
		steps = t.assignOrderID(pos, ref, upd.OrderID)
	case exchange.StatusFilled:
		if ref.Status == RefFilled {
			return nil
		}
		if ref.OrderID == "" {
			ref.OrderID = upd.OrderID
		}
		ref.Status = RefFilled
		steps = t.onFill(pos, ref)
	case exchange.StatusCancelled, exchange.StatusRejected:
		if ref.Status.terminal() {
			return nil
		}
		ref.Status = RefCancelled
		if upd.Status == exchange.StatusRejected {
			ref.Status = RefFailed
		}
		t.onCancel(pos, ref, upd)
	default:
		return fmt.Errorf("unknown order status %q", upd.Status)
	}
	t.advance(pos)
	t.commit(pos)
	t.dispatch(pos, steps)
	return nil
}

func (t *Trader) locate(upd exchange.OrderUpdate) (*Position, *OrderRef) {
	if pos := t.positions[upd.Instrument]; pos != nil {
		if ref := pos.findRef(upd.Tag, upd.OrderID); ref != nil {
			return pos, ref
		}
	}
	for _, pos := range t.positions {
		if ref := pos.findRef(upd.Tag, upd.OrderID); ref != nil {
			return pos, ref
		}
	}
	return nil, nil
}

func (t *Trader) onFill(pos *Position, ref *OrderRef) []step {
	if pos.retiring(ref) {
		pos.release(ref)
		switch ref.purpose() {
		case exchange.PurposeEntry:
			logger.Warnf("Trader: %s superseded entry %s filled, flattening %d", pos.Instrument, ref.OrderID, ref.Request.Qty)
			closeRef := t.newMarketClose(pos, ref.Request.Side.Opposite(), ref.Request.Qty)
			pos.retire(closeRef)
			return []step{submitStep(closeRef)}
		case exchange.PurposeExit:
			return nil
		default:
			pos.markUnreconciled("%s %s filled after cancel request", ref.purpose(), ref.OrderID)
			logger.Errorf("Trader: %s %s %s filled after cancel request", pos.Instrument, ref.purpose(), ref.OrderID)
			return nil
		}
	}

	switch ref {
	case pos.Entry:
		if pos.State != types.StateEntryPending {
			logger.Warnf("Trader: %s entry fill in state %s", pos.Instrument, pos.State)
			return nil
		}
		tp := trigger.Price(pos.Side, pos.EntryPrice, pos.TriggerOffset, pos.TickSize)
		pos.TriggerPrice = &tp
		pos.ArmedTrigger = tp
		pos.State = types.StateArmed
		logger.Infof("Trader: %s ARMED %s x%d entry %.2f trigger %.2f", pos.Instrument, pos.Side, pos.Qty, pos.EntryPrice, tp)
		if pos.StopLoss > 0 {
			static := t.newRef(pos, exchange.PurposeStaticStop, pos.Side.Opposite(), exchange.OrderStop, pos.Qty)
			static.Request.StopPrice = trigger.SnapToTick(pos.StopLoss, pos.TickSize)
			pos.StaticStop = static
			return []step{submitStep(static)}
		}
		return nil
	case pos.Stop, pos.StaticStop:
		logger.Infof("Trader: %s %s filled, position closed", pos.Instrument, ref.purpose())
		if pos.Exit.live() {
			pos.markUnreconciled("%s filled while exit %s in flight", ref.purpose(), pos.Exit.Tag)
		}
		steps := t.cancelLive(pos, pos.Stop, pos.StaticStop)
		pos.ExitDone = true
		pos.beginExit()
		pos.LastCloseAt = t.now()
		return steps
	case pos.Exit:
		pos.ExitDone = true
		return nil
	}
	return nil
}

func (t *Trader) onCancel(pos *Position, ref *OrderRef, upd exchange.OrderUpdate) {
	if pos.retiring(ref) {
		pos.release(ref)
		return
	}
	switch ref {
	case pos.Entry:
		if pos.State == types.StateEntryPending {
			logger.Warnf("Trader: %s entry %s %s by broker (%s), returning to FLAT", pos.Instrument, ref.OrderID, upd.Status, upd.Reason)
			pos.beginExit()
			pos.ExitDone = true
		}
	case pos.Stop, pos.StaticStop:
		pos.markUnreconciled("%s %s %s by broker", ref.purpose(), ref.OrderID, upd.Status)
		logger.Errorf("Trader: %s protective %s %s %s by broker: %s", pos.Instrument, ref.purpose(), ref.OrderID, upd.Status, upd.Reason)
	case pos.Exit:
		pos.markUnreconciled("exit %s %s", ref.OrderID, upd.Status)
		logger.Errorf("Trader: %s exit %s %s by broker: %s", pos.Instrument, ref.OrderID, upd.Status, upd.Reason)
	}
}

// advance moves EXIT_PENDING to FLAT once the exit is done and every
// retiring order has resolved.
func (t *Trader) advance(pos *Position) {
	if pos.State != types.StateExitPending || !pos.ExitDone || len(pos.Retiring) > 0 {
		return
	}
	pos.State = types.StateFlat
	pos.TriggerPrice = nil
	logger.Infof("Trader: %s FLAT (lifecycle=%s)", pos.Instrument, pos.LifecycleID)
}

func (t *Trader) handleManualResolve(p ManualResolvePayload) error {
	pos := t.positions[p.Instrument]
	if pos == nil {
		return anomaly("%s resolve with no position", p.Instrument)
	}
	logger.Warnf("Trader: %s manually resolved from %s (%s)", p.Instrument, pos.State, p.Note)
	pos.State = types.StateFlat
	pos.TriggerPrice = nil
	t.commit(pos)
	return nil
}
