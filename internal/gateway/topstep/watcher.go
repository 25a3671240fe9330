package topstep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/pkg/circuit"
)

// orderSource is the slice of Client the watcher polls.
type orderSource interface {
	ContractID(ctx context.Context, symbol string) (string, error)
	SearchOpenOrders(ctx context.Context) ([]Order, error)
	NetPositions(ctx context.Context) (map[string]int, error)
}

type trackedOrder struct {
	id              int64
	req             exchange.OrderRequest
	since           time.Time
	seen            bool
	cancelRequested bool
}

type pendingReconcile struct {
	req   exchange.OrderRequest
	since time.Time
}

// Watcher polls open orders and positions and turns status changes of the
// tracked orders into OrderUpdates. TopstepX exposes no per-order status over
// REST, so an order that leaves the open list is classified by the net
// position of its contract.
type Watcher struct {
	source   orderSource
	breaker  *circuit.CircuitBreaker
	interval time.Duration
	// grace keeps a fresh order from being classified before the broker
	// lists it.
	grace time.Duration
	// reconcileWindow bounds how long a timed-out request is searched for.
	reconcileWindow time.Duration
	updates         chan exchange.OrderUpdate
	now             func() time.Time

	mu      sync.Mutex
	tracked map[int64]*trackedOrder
	pending map[string]*pendingReconcile
}

func NewWatcher(source orderSource, breaker *circuit.CircuitBreaker, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		source:          source,
		breaker:         breaker,
		interval:        interval,
		grace:           2 * interval,
		reconcileWindow: 5 * interval,
		updates:         make(chan exchange.OrderUpdate, 256),
		now:             time.Now,
		tracked:         make(map[int64]*trackedOrder),
		pending:         make(map[string]*pendingReconcile),
	}
}

func (w *Watcher) Updates() <-chan exchange.OrderUpdate { return w.updates }

func (w *Watcher) Track(id int64, req exchange.OrderRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tracked[id]; ok {
		return
	}
	w.tracked[id] = &trackedOrder{id: id, req: req, since: w.now()}
}

// Cancelled stops tracking id and reports it CANCELLED.
func (w *Watcher) Cancelled(ctx context.Context, id int64) {
	w.mu.Lock()
	tr, ok := w.tracked[id]
	delete(w.tracked, id)
	w.mu.Unlock()
	upd := exchange.OrderUpdate{OrderID: formatOrderID(id), Status: exchange.StatusCancelled, Reason: "cancel acknowledged", At: w.now()}
	if ok {
		upd.Tag = tr.req.Tag
		upd.Instrument = tr.req.Instrument
	}
	w.emit(ctx, upd)
}

// MarkCancelRequested makes a disappearance of id read as a cancel even
// when the cancel call itself failed.
func (w *Watcher) MarkCancelRequested(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tr, ok := w.tracked[id]; ok {
		tr.cancelRequested = true
	}
}

func (w *Watcher) Reconcile(req exchange.OrderRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[req.Tag] = &pendingReconcile{req: req, since: w.now()}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, circuit.ErrOpen) {
					logger.Debugf("Topstep: status poll skipped, breaker open")
				} else {
					logger.Warnf("Topstep: status poll failed: %v", err)
				}
			}
		}
	}
}

// Poll runs one status pass.
func (w *Watcher) Poll(ctx context.Context) error {
	w.mu.Lock()
	idle := len(w.tracked) == 0 && len(w.pending) == 0
	w.mu.Unlock()
	if idle {
		return nil
	}

	var (
		orders []Order
		net    map[string]int
	)
	err := w.breaker.Do(func() error {
		var err error
		if orders, err = w.source.SearchOpenOrders(ctx); err != nil {
			return err
		}
		net, err = w.source.NetPositions(ctx)
		return err
	})
	if err != nil {
		return err
	}
	open := make(map[int64]Order, len(orders))
	for _, o := range orders {
		open[o.ID] = o
	}

	var out []exchange.OrderUpdate
	out = append(out, w.reconcilePending(ctx, open, net)...)
	out = append(out, w.classifyTracked(ctx, open, net)...)
	for _, upd := range out {
		w.emit(ctx, upd)
	}
	return nil
}

func (w *Watcher) reconcilePending(ctx context.Context, open map[int64]Order, net map[string]int) []exchange.OrderUpdate {
	w.mu.Lock()
	pending := make([]*pendingReconcile, 0, len(w.pending))
	for _, p := range w.pending {
		pending = append(pending, p)
	}
	w.mu.Unlock()

	now := w.now()
	var out []exchange.OrderUpdate
	for _, p := range pending {
		contractID, err := w.source.ContractID(ctx, p.req.Instrument)
		if err != nil {
			logger.Warnf("Topstep: reconcile %s: %v", p.req.Tag, err)
			continue
		}
		upd := exchange.OrderUpdate{Tag: p.req.Tag, Instrument: p.req.Instrument, At: now}
		if o, ok := w.matchOpen(open, contractID, p.req); ok {
			upd.OrderID = formatOrderID(o.ID)
			upd.Status = exchange.StatusAccepted
			upd.Reason = "reconciled after timeout"
			w.Track(o.ID, p.req)
		} else if p.req.Type == exchange.OrderMarket && p.req.Purpose.Closes() && net[contractID] == 0 {
			upd.Status = exchange.StatusFilled
			upd.Reason = "flat after timed-out close"
		} else if now.Sub(p.since) >= w.reconcileWindow {
			upd.Status = exchange.StatusRejected
			upd.Reason = "no matching order after timeout"
		} else {
			continue
		}
		logger.Infof("Topstep: reconcile %s -> %s (%s)", p.req.Tag, upd.Status, upd.Reason)
		w.mu.Lock()
		delete(w.pending, p.req.Tag)
		w.mu.Unlock()
		out = append(out, upd)
	}
	return out
}

// matchOpen finds an untracked open order with the same contract, type,
// side and size; priced orders must also agree within half a tick.
func (w *Watcher) matchOpen(open map[int64]Order, contractID string, req exchange.OrderRequest) (Order, bool) {
	wantType, wantSide := brokerType(req.Type), brokerSide(req.Side)
	halfTick := decimal.NewFromFloat(req.TickSize).Div(decimal.NewFromInt(2))
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, o := range open {
		if _, tracked := w.tracked[id]; tracked {
			continue
		}
		if o.ContractID != contractID || o.Type != wantType || o.Side != wantSide || o.Size != req.Qty {
			continue
		}
		switch req.Type {
		case exchange.OrderLimit:
			if !withinTolerance(o.LimitPrice, req.Price, halfTick) {
				continue
			}
		case exchange.OrderStop:
			if !withinTolerance(o.StopPrice, req.StopPrice, halfTick) {
				continue
			}
		}
		return o, true
	}
	return Order{}, false
}

func withinTolerance(got *float64, want float64, tol decimal.Decimal) bool {
	if got == nil {
		return false
	}
	diff := decimal.NewFromFloat(*got).Sub(decimal.NewFromFloat(want)).Abs()
	return diff.LessThanOrEqual(tol)
}

func (w *Watcher) classifyTracked(ctx context.Context, open map[int64]Order, net map[string]int) []exchange.OrderUpdate {
	w.mu.Lock()
	candidates := make([]*trackedOrder, 0, len(w.tracked))
	for id, tr := range w.tracked {
		if _, ok := open[id]; ok {
			tr.seen = true
			continue
		}
		candidates = append(candidates, tr)
	}
	w.mu.Unlock()

	now := w.now()
	var out []exchange.OrderUpdate
	for _, tr := range candidates {
		if !tr.seen && now.Sub(tr.since) < w.grace {
			continue
		}
		contractID, err := w.source.ContractID(ctx, tr.req.Instrument)
		if err != nil {
			logger.Warnf("Topstep: classify order %d: %v", tr.id, err)
			continue
		}
		status, reason := classify(tr, net[contractID])
		w.mu.Lock()
		delete(w.tracked, tr.id)
		w.mu.Unlock()
		logger.Infof("Topstep: order %d (%s) left open list -> %s (%s)", tr.id, tr.req.Tag, status, reason)
		out = append(out, exchange.OrderUpdate{
			OrderID:    formatOrderID(tr.id),
			Tag:        tr.req.Tag,
			Instrument: tr.req.Instrument,
			Status:     status,
			Reason:     reason,
			At:         now,
		})
	}
	return out
}

func classify(tr *trackedOrder, net int) (exchange.OrderStatus, string) {
	if tr.cancelRequested {
		return exchange.StatusCancelled, "cancel requested"
	}
	if tr.req.Purpose.Closes() {
		if net == 0 {
			return exchange.StatusFilled, "position flat"
		}
		return exchange.StatusCancelled, fmt.Sprintf("gone with net %d", net)
	}
	if net != 0 {
		return exchange.StatusFilled, fmt.Sprintf("net %d", net)
	}
	return exchange.StatusCancelled, "gone while flat"
}

func (w *Watcher) emit(ctx context.Context, upd exchange.OrderUpdate) {
	select {
	case w.updates <- upd:
	case <-ctx.Done():
		logger.Warnf("Topstep: dropped update %s %s: %v", upd.Tag, upd.Status, ctx.Err())
	}
}
