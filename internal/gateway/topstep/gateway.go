package topstep

import (
	"context"
	"fmt"
	"strings"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/pkg/circuit"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// Gateway implements exchange.Gateway on top of the REST client and the
// status watcher.
type Gateway struct {
	client  *Client
	watcher *Watcher
}

var _ exchange.Gateway = (*Gateway)(nil)

func NewGateway(client *Client, cfg config.GatewayConfig) *Gateway {
	breaker := circuit.NewCircuitBreaker("topstep-status", cfg.BreakerThreshold, cfg.BreakerCooldown())
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("Topstep: breaker %s %s -> %s", name, from, to)
	})
	return &Gateway{
		client:  client,
		watcher: NewWatcher(client, breaker, cfg.PollInterval()),
	}
}

// Run drives the status watcher until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	return g.watcher.Run(ctx)
}

func (g *Gateway) Updates() <-chan exchange.OrderUpdate { return g.watcher.Updates() }

func (g *Gateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	acct, err := g.client.AccountID(ctx)
	if err != nil {
		return "", err
	}
	contractID, err := g.client.ContractID(ctx, req.Instrument)
	if err != nil {
		return "", err
	}
	place, err := buildPlaceRequest(acct, contractID, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", exchange.ErrRejected, err)
	}
	id, err := g.client.PlaceOrder(ctx, place)
	if err != nil {
		return "", err
	}
	logger.Infof("Topstep: placed %s %s %s x%d on %s -> order %d", req.Purpose, req.Type, req.Side, req.Qty, contractID, id)
	g.watcher.Track(id, req)
	return formatOrderID(id), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, instrument, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrRejected, err)
	}
	g.watcher.MarkCancelRequested(id)
	if err := g.client.CancelOrder(ctx, id); err != nil {
		return err
	}
	logger.Infof("Topstep: cancelled order %d on %s", id, instrument)
	g.watcher.Cancelled(ctx, id)
	return nil
}

func (g *Gateway) Reconcile(req exchange.OrderRequest) { g.watcher.Reconcile(req) }

func (g *Gateway) Track(orderID string, req exchange.OrderRequest) {
	id, err := parseOrderID(orderID)
	if err != nil {
		logger.Warnf("Topstep: cannot track %s: %v", req.Tag, err)
		return
	}
	g.watcher.Track(id, req)
}

func buildPlaceRequest(acct int64, contractID string, req exchange.OrderRequest) (PlaceOrderRequest, error) {
	if req.Qty <= 0 {
		return PlaceOrderRequest{}, fmt.Errorf("qty must be positive, got %d", req.Qty)
	}
	out := PlaceOrderRequest{
		AccountID:  acct,
		ContractID: contractID,
		Type:       brokerType(req.Type),
		Side:       brokerSide(req.Side),
		Size:       req.Qty,
		CustomTag:  req.Tag,
	}
	switch req.Type {
	case exchange.OrderLimit:
		out.LimitPrice = ptr(req.Price)
	case exchange.OrderStop:
		out.StopPrice = ptr(req.StopPrice)
	case exchange.OrderTrailingStop:
		out.TrailPrice = ptr(req.TrailPrice)
	case exchange.OrderMarket:
	default:
		return PlaceOrderRequest{}, fmt.Errorf("unsupported order type %q", req.Type)
	}
	return out, nil
}

func brokerType(t exchange.OrderType) int {
	switch t {
	case exchange.OrderLimit:
		return typeLimit
	case exchange.OrderStop:
		return typeStop
	case exchange.OrderTrailingStop:
		return typeTrailingStop
	default:
		return typeMarket
	}
}

func brokerSide(s types.Side) int {
	if strings.EqualFold(string(s), string(types.SideSell)) {
		return sideAsk
	}
	return sideBid
}

func ptr(v float64) *float64 { return &v }
