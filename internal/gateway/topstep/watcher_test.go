package topstep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/pkg/circuit"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

const mnq = "CON.F.US.MNQ.Z25"

type stubSource struct {
	mu     sync.Mutex
	orders []Order
	net    map[string]int
	err    error
}

func (s *stubSource) ContractID(context.Context, string) (string, error) { return mnq, nil }

func (s *stubSource) SearchOpenOrders(context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders, s.err
}

func (s *stubSource) NetPositions(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net, s.err
}

func (s *stubSource) set(orders []Order, net int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = orders
	s.net = map[string]int{mnq: net}
}

type watcherClock struct{ t time.Time }

func newTestWatcher(src orderSource) (*Watcher, *watcherClock) {
	clock := &watcherClock{t: time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC)}
	w := NewWatcher(src, circuit.NewCircuitBreaker("test", 2, time.Minute), time.Second)
	w.now = func() time.Time { return clock.t }
	return w, clock
}

func drain(w *Watcher) []exchange.OrderUpdate {
	var out []exchange.OrderUpdate
	for {
		select {
		case upd := <-w.Updates():
			out = append(out, upd)
		default:
			return out
		}
	}
}

func entryReq() exchange.OrderRequest {
	return exchange.OrderRequest{
		Tag:        "entry-a",
		Instrument: "MNQZ5",
		Purpose:    exchange.PurposeEntry,
		Side:       types.SideBuy,
		Type:       exchange.OrderLimit,
		Qty:        1,
		Price:      21000,
		TickSize:   0.25,
	}
}

func TestWatcherEntryFillDetectedByNet(t *testing.T) {
	src := &stubSource{}
	w, clock := newTestWatcher(src)
	ctx := context.Background()
	w.Track(11, entryReq())

	src.set([]Order{{ID: 11, ContractID: mnq, Type: typeLimit}}, 0)
	require.NoError(t, w.Poll(ctx))
	assert.Empty(t, drain(w))

	clock.t = clock.t.Add(time.Second)
	src.set(nil, 1)
	require.NoError(t, w.Poll(ctx))
	ups := drain(w)
	require.Len(t, ups, 1)
	assert.Equal(t, exchange.StatusFilled, ups[0].Status)
	assert.Equal(t, "11", ups[0].OrderID)
	assert.Equal(t, "entry-a", ups[0].Tag)

	// untracked after classification
	require.NoError(t, w.Poll(ctx))
	assert.Empty(t, drain(w))
}

func TestWatcherEntryGoneWhileFlatIsCancelled(t *testing.T) {
	src := &stubSource{}
	w, _ := newTestWatcher(src)
	w.Track(11, entryReq())
	src.set([]Order{{ID: 11}}, 0)
	require.NoError(t, w.Poll(context.Background()))
	src.set(nil, 0)
	require.NoError(t, w.Poll(context.Background()))
	ups := drain(w)
	require.Len(t, ups, 1)
	assert.Equal(t, exchange.StatusCancelled, ups[0].Status)
}

func TestWatcherGraceForUnseenOrder(t *testing.T) {
	src := &stubSource{}
	w, clock := newTestWatcher(src)
	w.Track(11, entryReq())
	src.set(nil, 0)

	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, drain(w), "fresh order is not classified before the grace period")

	clock.t = clock.t.Add(3 * time.Second)
	require.NoError(t, w.Poll(context.Background()))
	assert.Len(t, drain(w), 1)
}

func TestWatcherStopFillWhenFlat(t *testing.T) {
	src := &stubSource{}
	w, clock := newTestWatcher(src)
	w.Track(12, exchange.OrderRequest{Tag: "trailing_stop-a", Instrument: "MNQZ5", Purpose: exchange.PurposeTrailing, Type: exchange.OrderTrailingStop, Side: types.SideSell, Qty: 1})
	w.Track(13, exchange.OrderRequest{Tag: "static_stop-a", Instrument: "MNQZ5", Purpose: exchange.PurposeStaticStop, Type: exchange.OrderStop, Side: types.SideSell, Qty: 1})
	w.MarkCancelRequested(13)

	clock.t = clock.t.Add(5 * time.Second)
	src.set(nil, 0)
	require.NoError(t, w.Poll(context.Background()))
	byTag := map[string]exchange.OrderStatus{}
	for _, upd := range drain(w) {
		byTag[upd.Tag] = upd.Status
	}
	assert.Equal(t, exchange.StatusFilled, byTag["trailing_stop-a"])
	assert.Equal(t, exchange.StatusCancelled, byTag["static_stop-a"])
}

func TestWatcherReconcileMatchesWithinHalfTick(t *testing.T) {
	src := &stubSource{}
	w, _ := newTestWatcher(src)
	w.Reconcile(entryReq())

	other := 20999.50
	near := 21000.10
	src.set([]Order{
		{ID: 21, ContractID: mnq, Type: typeLimit, Side: sideBid, Size: 1, LimitPrice: &other},
		{ID: 22, ContractID: mnq, Type: typeLimit, Side: sideBid, Size: 1, LimitPrice: &near},
	}, 0)
	require.NoError(t, w.Poll(context.Background()))
	ups := drain(w)
	require.Len(t, ups, 1)
	assert.Equal(t, exchange.StatusAccepted, ups[0].Status)
	assert.Equal(t, "22", ups[0].OrderID)
	assert.Equal(t, "entry-a", ups[0].Tag)

	w.mu.Lock()
	_, tracked := w.tracked[22]
	w.mu.Unlock()
	assert.True(t, tracked)
}

func TestWatcherReconcileGivesUpAfterWindow(t *testing.T) {
	src := &stubSource{}
	w, clock := newTestWatcher(src)
	w.Reconcile(entryReq())
	src.set(nil, 0)

	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, drain(w))

	clock.t = clock.t.Add(6 * time.Second)
	require.NoError(t, w.Poll(context.Background()))
	ups := drain(w)
	require.Len(t, ups, 1)
	assert.Equal(t, exchange.StatusRejected, ups[0].Status)
	assert.Empty(t, ups[0].OrderID)
}

func TestWatcherReconcileTimedOutCloseWhenFlat(t *testing.T) {
	src := &stubSource{}
	w, _ := newTestWatcher(src)
	w.Reconcile(exchange.OrderRequest{Tag: "exit-a", Instrument: "MNQZ5", Purpose: exchange.PurposeExit, Type: exchange.OrderMarket, Side: types.SideSell, Qty: 1})
	src.set(nil, 0)
	require.NoError(t, w.Poll(context.Background()))
	ups := drain(w)
	require.Len(t, ups, 1)
	assert.Equal(t, exchange.StatusFilled, ups[0].Status)
}

func TestWatcherBreakerOpensOnRepeatedFailures(t *testing.T) {
	src := &stubSource{err: errors.New("502 bad gateway")}
	w, _ := newTestWatcher(src)
	w.Track(11, entryReq())

	assert.Error(t, w.Poll(context.Background()))
	assert.Error(t, w.Poll(context.Background()))
	assert.ErrorIs(t, w.Poll(context.Background()), circuit.ErrOpen)
}

func TestWatcherIdleSkipsPolling(t *testing.T) {
	src := &stubSource{err: errors.New("should not be called")}
	w, _ := newTestWatcher(src)
	assert.NoError(t, w.Poll(context.Background()))
}
