package trader

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
)

// step is one gateway call in an ordered dispatch.
type step struct {
	action  orderAction
	tag     string
	orderID string
	req     exchange.OrderRequest
}

func submitStep(ref *OrderRef) step {
	return step{action: actionSubmit, tag: ref.Tag, req: ref.Request}
}

func cancelStep(ref *OrderRef) step {
	return step{action: actionCancel, tag: ref.Tag, orderID: ref.OrderID, req: ref.Request}
}

// dispatch runs steps in order on a separate goroutine and posts one
// ORDER_RESULT per step. A failed submit skips the submits after it; cancels
// still run.
func (t *Trader) dispatch(pos *Position, steps []step) {
	if len(steps) == 0 || t.gateway == nil {
		return
	}
	instrument, lifecycleID := pos.Instrument, pos.LifecycleID
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Add(-1)
		failed := false
		for _, s := range steps {
			res := OrderResultPayload{
				Instrument:  instrument,
				LifecycleID: lifecycleID,
				Tag:         s.tag,
				Action:      s.action,
				OrderID:     s.orderID,
			}
			switch {
			case s.action == actionSubmit && failed:
				res.Skipped = true
				res.Error = "skipped after an earlier submit failed"
			case s.action == actionSubmit:
				id, err := t.submit(s.req)
				res.OrderID = id
				if err != nil {
					res.Error = err.Error()
					if isTimeout(err) {
						res.TimedOut = true
						t.gateway.Reconcile(s.req)
					} else {
						failed = true
					}
				}
			default:
				if err := t.cancel(s.req.Instrument, s.orderID); err != nil {
					res.Error = err.Error()
				}
			}
			res.Timestamp = t.now()
			t.postResult(res)
		}
	}()
}

func isTimeout(err error) bool {
	return errors.Is(err, exchange.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// retryOnce is the gateway retry policy: one retry after RetryBackoff.
// Timeouts and broker rejections are not retried.
func retryOnce[T any](t *Trader, what string, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(context.Background(), func() (T, error) {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.SubmitTimeout)
		defer cancel()
		v, err := op(ctx)
		if err != nil && (isTimeout(err) || errors.Is(err, exchange.ErrRejected)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(t.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnf("Trader: %s failed, retrying in %s: %v", what, wait, err)
		}),
	)
}

func (t *Trader) submit(req exchange.OrderRequest) (string, error) {
	return retryOnce(t, "submit "+req.Tag, func(ctx context.Context) (string, error) {
		return t.gateway.SubmitOrder(ctx, req)
	})
}

func (t *Trader) cancel(instrument, orderID string) error {
	_, err := retryOnce(t, "cancel "+orderID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.gateway.CancelOrder(ctx, instrument, orderID)
	})
	return err
}

func (t *Trader) postResult(res OrderResultPayload) {
	raw, err := json.Marshal(res)
	if err != nil {
		logger.Errorf("Trader: marshal order result: %v", err)
		return
	}
	if err := t.post(EventEnvelope{
		ID:         t.newID(),
		Type:       EvtOrderResult,
		Payload:    raw,
		CreatedAt:  res.Timestamp,
		Instrument: res.Instrument,
	}); err != nil {
		logger.Warnf("Trader: send order-result for %s failed: %v", res.Tag, err)
	}
}
