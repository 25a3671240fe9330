package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// PositionReader exposes the latest committed view of a position.
type PositionReader interface {
	PositionView(instrument string) (types.PositionView, bool)
}

type Options struct {
	MaxSignalAge         time.Duration
	VolatilityMultiplier float64
	// ReversalSentinelQty marks an entry as a reversal request; zero disables it.
	ReversalSentinelQty int
	ReversalEntryQty    int
}

// Interpreter validates signals and classifies them into commands.
type Interpreter struct {
	opts      Options
	resolver  InstrumentResolver
	positions PositionReader
	registry  *Registry
	locks     instrumentLocks
	now       func() time.Time
}

func NewInterpreter(opts Options, resolver InstrumentResolver, positions PositionReader, registry *Registry) *Interpreter {
	return &Interpreter{
		opts:      opts,
		resolver:  resolver,
		positions: positions,
		registry:  registry,
		now:       time.Now,
	}
}

// Interpret returns the command for sig, or a *Rejection error.
func (it *Interpreter) Interpret(sig Signal) (Command, error) {
	return it.Submit(sig, nil)
}

// Submit interprets sig and hands the accepted command to submit under the
// instrument's lock. Reversal classification, admission and delivery for one
// instrument never interleave, so the engine sees commands in acceptance
// order and every classification reads the result of the command before it.
// Errors from submit are returned as is; rejections are *Rejection.
func (it *Interpreter) Submit(sig Signal, submit func(Command) error) (Command, error) {
	cmd, err := it.prepare(sig)
	if err != nil {
		return Command{}, err
	}

	unlock := it.locks.lock(cmd.Instrument)
	defer unlock()

	if cmd.Kind == KindOpenEntry {
		it.classifyReversal(&cmd)
	}
	if err := it.registry.Admit(cmd.Instrument, sig.Intent, sig.Timestamp, cmd.AcceptedAt); err != nil {
		return Command{}, err
	}
	logger.Infof("Signal: accepted %s", cmd)
	if submit == nil {
		return cmd, nil
	}
	return cmd, submit(cmd)
}

// prepare runs the checks that need no per-instrument state.
func (it *Interpreter) prepare(sig Signal) (Command, error) {
	now := it.now()
	if err := checkFields(sig); err != nil {
		return Command{}, err
	}
	if age := now.Sub(sig.Timestamp); it.opts.MaxSignalAge > 0 && age > it.opts.MaxSignalAge {
		return Command{}, reject(ReasonStale, "signal is %s old, limit %s", age.Round(time.Millisecond), it.opts.MaxSignalAge)
	}
	res, err := it.resolver.Resolve(sig.Ticker, now)
	if err != nil {
		return Command{}, reject(ReasonSchemaInvalid, "%v", err)
	}

	cmd := Command{
		Instrument: res.Symbol,
		TickSize:   res.TickSize,
		SignalTime: sig.Timestamp,
		AcceptedAt: now,
	}
	if sig.Intent == IntentExit {
		cmd.Kind = KindCloseExit
		return cmd, nil
	}
	cmd.Kind = KindOpenEntry
	cmd.Side = sig.Side
	cmd.Qty = sig.Qty
	cmd.Price = sig.Price
	cmd.StopLoss = sig.StopLoss
	cmd.TriggerOffset = trigger.Offset(sig.Volatility, it.opts.VolatilityMultiplier)
	return cmd, nil
}

// classifyReversal turns a sentinel-sized entry into a Reverse when the
// position is open on the other side. Without an opposing position the
// sentinel is downgraded to a plain entry of the reversal size.
func (it *Interpreter) classifyReversal(cmd *Command) {
	if it.opts.ReversalSentinelQty <= 0 || cmd.Qty != it.opts.ReversalSentinelQty {
		return
	}
	if it.opts.ReversalEntryQty > 0 {
		cmd.Qty = it.opts.ReversalEntryQty
	}
	if it.positions == nil {
		return
	}
	view, ok := it.positions.PositionView(cmd.Instrument)
	if ok && view.Open() && view.Side == cmd.Side.Opposite() {
		cmd.Kind = KindReverse
		return
	}
	logger.Infof("Signal: %s reversal sentinel with no opposing position, treating as entry x%d", cmd.Instrument, cmd.Qty)
}

// instrumentLocks hands out one mutex per instrument.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *instrumentLocks) lock(instrument string) func() {
	l.mu.Lock()
	m, ok := l.locks[instrument]
	if !ok {
		if l.locks == nil {
			l.locks = make(map[string]*sync.Mutex)
		}
		m = &sync.Mutex{}
		l.locks[instrument] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func checkFields(sig Signal) error {
	switch {
	case sig.Ticker == "":
		return reject(ReasonSchemaInvalid, "ticker is required")
	case sig.Timestamp.IsZero():
		return reject(ReasonSchemaInvalid, "timestamp is required")
	case sig.Intent != IntentEntry && sig.Intent != IntentExit:
		return reject(ReasonSchemaInvalid, "intent %q unknown", sig.Intent)
	case sig.Intent == IntentExit:
		return nil
	case !sig.Side.Valid():
		return reject(ReasonSchemaInvalid, "side %q unknown", sig.Side)
	case sig.Qty <= 0:
		return reject(ReasonSchemaInvalid, "qty must be positive")
	case sig.Price <= 0:
		return reject(ReasonSchemaInvalid, "price must be positive")
	case sig.Volatility <= 0:
		return reject(ReasonSchemaInvalid, "volatility must be positive")
	}
	return nil
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
