package exchange

import "context"

// Gateway executes order actions. Submit and cancel are synchronous requests
// bounded by ctx; an accepted order is tracked and its fill or cancel arrives
// on Updates.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, instrument, orderID string) error

	// Reconcile asks the gateway to resolve a timed-out request on its next
	// status poll; the outcome is reported on Updates with req.Tag.
	Reconcile(req OrderRequest)

	// Track resumes status polling for an order accepted before a restart.
	Track(orderID string, req OrderRequest)

	Updates() <-chan OrderUpdate
}
