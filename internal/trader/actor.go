package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// PositionStore persists position snapshots for crash recovery.
type PositionStore interface {
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, instrument string) error
	ListPositions(ctx context.Context) ([]*Position, error)
}

type Options struct {
	// SubmitTimeout bounds each gateway call.
	SubmitTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed call.
	RetryBackoff time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight gateway calls.
	DrainTimeout time.Duration
	QueueSize    int
	// Observer, when set, sees every committed position. It must not block.
	Observer PositionObserver
}

// PositionObserver is told about each committed position change.
type PositionObserver interface {
	PositionChanged(view types.PositionView)
}

func (o Options) withDefaults() Options {
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	return o
}

// Trader is the position engine. A single goroutine (runLoop) owns every
// Position and applies events in arrival order; gateway calls run in their
// own goroutines and report back as ORDER_RESULT events, so all state
// changes happen inside the loop.
type Trader struct {
	gateway       exchange.Gateway
	store         EventStore
	posStore      PositionStore
	eventRegistry *HandlerRegistry
	opts          Options

	msgCh    chan EventEnvelope
	quit     chan struct{}
	mu       sync.RWMutex
	closing  bool
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	inflight atomic.Int64

	positions     map[string]*Position
	stateSnapshot atomic.Value

	now   func() time.Time
	newID func() string
}

func NewTrader(gw exchange.Gateway, store EventStore, posStore PositionStore, opts Options) *Trader {
	opts = opts.withDefaults()
	eventReg := NewHandlerRegistry()
	eventReg.RegisterDefaultHandlers()

	tr := &Trader{
		gateway:       gw,
		store:         store,
		posStore:      posStore,
		eventRegistry: eventReg,
		opts:          opts,
		msgCh:         make(chan EventEnvelope, opts.QueueSize),
		quit:          make(chan struct{}),
		positions:     make(map[string]*Position),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	tr.refreshSnapshot()
	return tr
}

// Recover loads persisted positions and re-attaches their live orders to
// the gateway. Call it before Start.
func (t *Trader) Recover(ctx context.Context) error {
	if t.posStore == nil {
		return nil
	}
	list, err := t.posStore.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}
	for _, pos := range list {
		if pos.State == types.StateFlat {
			continue
		}
		if pos.State == types.StateExitPending {
			pos.beginExit()
		}
		for _, ref := range pos.refs() {
			if !ref.live() || t.gateway == nil {
				continue
			}
			if ref.OrderID != "" {
				t.gateway.Track(ref.OrderID, ref.Request)
				continue
			}
			// submitted before the crash with no known outcome
			ref.Status = RefReconciling
			t.gateway.Reconcile(ref.Request)
		}
		t.positions[pos.Instrument] = pos
		logger.Infof("Trader: recovered %s %s %s x%d", pos.Instrument, pos.State, pos.Side, pos.Qty)
	}
	t.refreshSnapshot()
	logger.Infof("Trader: Recovery complete, %d open positions", len(t.positions))
	return nil
}

// Start launches the actor loop and the gateway update pump.
func (t *Trader) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.runLoop()
	if t.gateway != nil {
		t.wg.Add(1)
		go t.pumpUpdates(ctx)
	}
}

// Stop rejects new sends, lets in-flight gateway calls report back, drains
// the queue and closes the journal. Open positions are left as they are.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()
		close(t.quit)

		t.waitInflight(t.opts.DrainTimeout)

		t.mu.Lock()
		t.closed = true
		close(t.msgCh)
		t.mu.Unlock()
		t.wg.Wait()

		if t.store != nil {
			if err := t.store.Close(); err != nil {
				logger.Warnf("Trader: event store close failed: %v", err)
			}
		}
	})
}

func (t *Trader) waitInflight(limit time.Duration) {
	deadline := time.Now().Add(limit)
	for t.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			logger.Warnf("Trader: %d gateway calls still in flight at shutdown", t.inflight.Load())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Send queues an event from outside the actor.
func (t *Trader) Send(evt EventEnvelope) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closing || t.closed {
		return ErrStopped
	}
	t.msgCh <- evt
	return nil
}

// post queues an event produced by the engine itself; it is accepted until
// the queue closes so in-flight results land during shutdown.
func (t *Trader) post(evt EventEnvelope) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrStopped
	}
	t.msgCh <- evt
	return nil
}

// SendSync queues evt and waits for its handler to finish.
func (t *Trader) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := t.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitCommand applies an interpreted command and returns the handler
// outcome. Anomalies come back wrapped in ErrInconsistentState.
func (t *Trader) SubmitCommand(ctx context.Context, cmd signal.Command) error {
	evt, err := t.envelope(EvtCommand, cmd.Instrument, CommandPayload{Command: cmd})
	if err != nil {
		return err
	}
	return t.SendSync(ctx, evt)
}

// SubmitTrigger queues an evaluator hit without waiting.
func (t *Trader) SubmitTrigger(hit trigger.TriggerHit) error {
	evt, err := t.envelope(EvtTriggerHit, hit.Instrument, TriggerHitPayload{Hit: hit})
	if err != nil {
		return err
	}
	return t.Send(evt)
}

// ResolvePosition forgets a position after an operator has flattened or
// verified it at the broker.
func (t *Trader) ResolvePosition(ctx context.Context, instrument, note string) error {
	evt, err := t.envelope(EvtManualResolve, instrument, ManualResolvePayload{Instrument: instrument, Note: note})
	if err != nil {
		return err
	}
	return t.SendSync(ctx, evt)
}

func (t *Trader) envelope(typ EventType, instrument string, payload any) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return EventEnvelope{
		ID:         t.newID(),
		Type:       typ,
		Payload:    raw,
		CreatedAt:  t.now(),
		Instrument: instrument,
	}, nil
}

// PositionView returns the last committed view of an instrument's position.
func (t *Trader) PositionView(instrument string) (types.PositionView, bool) {
	v, ok := t.snapshot()[instrument]
	return v, ok
}

// Positions returns all open positions ordered by instrument.
func (t *Trader) Positions() []types.PositionView {
	snap := t.snapshot()
	out := make([]types.PositionView, 0, len(snap))
	for _, v := range snap {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// RecentEvents returns the newest journaled events, oldest first.
func (t *Trader) RecentEvents(limit int) ([]EventEnvelope, error) {
	if t.store == nil {
		return nil, nil
	}
	return t.store.Recent(limit)
}

func (t *Trader) snapshot() map[string]types.PositionView {
	val := t.stateSnapshot.Load()
	if val == nil {
		return nil
	}
	return val.(map[string]types.PositionView)
}

func (t *Trader) refreshSnapshot() {
	next := make(map[string]types.PositionView, len(t.positions))
	for k, pos := range t.positions {
		next[k] = pos.View()
	}
	t.stateSnapshot.Store(next)
}

func (t *Trader) runLoop() {
	defer t.wg.Done()
	logger.Infof("Trader Actor started")
	for evt := range t.msgCh {
		t.handleEvent(evt)
	}
	logger.Infof("Trader Actor stopped")
}

func (t *Trader) pumpUpdates(ctx context.Context) {
	defer t.wg.Done()
	updates := t.gateway.Updates()
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return
			}
			evt, err := t.envelope(EvtOrderUpdate, upd.Instrument, OrderUpdatePayload{Update: upd})
			if err != nil {
				logger.Errorf("Trader: %v", err)
				continue
			}
			if err := t.post(evt); err != nil {
				logger.Warnf("Trader: dropped order update %s %s: %v", upd.OrderID, upd.Status, err)
				return
			}
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		}
	}
}

// handleEvent applies one event. Panics are recovered so a bad event cannot
// kill the loop, and the event is journaled before it is applied.
func (t *Trader) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Trader panic handling event %s: %v\n%s", evt.Type, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("Slow event %s took %v", evt.Type, dur)
		}
	}()

	if t.store != nil && shouldPersistEvent(evt.Type) {
		if perr := t.store.Append(evt); perr != nil {
			logger.Errorf("Failed to persist event %s: %v", evt.Type, perr)
		}
	}

	handler, ok := t.eventRegistry.Get(evt.Type)
	if !ok {
		logger.Warnf("No handler registered for event type: %s", evt.Type)
		return
	}

	err = handler.Handle(NewHandlerContext(t), evt.Payload, evt.ID)
	switch {
	case err == nil:
	case errors.Is(err, ErrInconsistentState):
		logger.Warnf("Trader: %v", err)
	default:
		logger.Errorf("Trader failed to handle %s: %v", evt.Type, err)
	}
}

// commit stamps, validates, stores and publishes a position. FLAT
// positions are removed.
func (t *Trader) commit(pos *Position) {
	pos.UpdatedAt = t.now()
	if err := pos.validate(); err != nil {
		logger.Errorf("Trader: invariant violated: %v", err)
	}
	logger.With("component", "trader", "instrument", pos.Instrument, "lifecycle", pos.LifecycleID,
		"state", pos.State, "side", pos.Side, "qty", pos.Qty, "unreconciled", pos.Unreconciled).
		Debug("position committed")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pos.State == types.StateFlat {
		delete(t.positions, pos.Instrument)
		if t.posStore != nil {
			if err := t.posStore.DeletePosition(ctx, pos.Instrument); err != nil {
				logger.Errorf("Trader: delete position %s failed: %v", pos.Instrument, err)
			}
		}
	} else {
		t.positions[pos.Instrument] = pos
		if t.posStore != nil {
			if err := t.posStore.SavePosition(ctx, pos); err != nil {
				logger.Errorf("Trader: save position %s failed: %v", pos.Instrument, err)
			}
		}
	}
	t.refreshSnapshot()
	if t.opts.Observer != nil {
		t.opts.Observer.PositionChanged(pos.View())
	}
}
